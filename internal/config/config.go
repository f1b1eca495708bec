// Package config loads engine configuration from YAML with environment
// overrides, and hot-reloads the log level when the file changes on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all taskpilot configuration.
type Config struct {
	// Model backend configuration
	Model ModelConfig `yaml:"model"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// Session lifecycle settings
	Sessions SessionsConfig `yaml:"sessions"`

	// Planning loop budgets
	Planner PlannerConfig `yaml:"planner"`

	// Transport to the execution surface
	Transport TransportConfig `yaml:"transport"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig configures the language model backend.
type ModelConfig struct {
	Provider string `yaml:"provider"` // anthropic
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// StorageConfig configures on-disk state.
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	KnowledgeDB     string `yaml:"knowledge_db"`
	MemoryDB        string `yaml:"memory_db"`
	SessionSnapshot string `yaml:"session_snapshot"`
	KnownSitesPath  string `yaml:"known_sites_path"`
}

// SessionsConfig configures session lifecycle limits.
type SessionsConfig struct {
	StaleAfter    string `yaml:"stale_after"`
	ReapInterval  string `yaml:"reap_interval"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
}

// PlannerConfig bounds the planning loop.
type PlannerConfig struct {
	CallTimeout    string `yaml:"call_timeout"`
	TotalBudget    string `yaml:"total_budget"`
	MaxNoToolTurns int    `yaml:"max_no_tool_turns"`
	MaxTurns       int    `yaml:"max_turns"`
}

// TransportConfig selects and configures the channel to the execution
// surface.
type TransportConfig struct {
	Mode string `yaml:"mode"` // pipe, relay

	// Pipe mode: the child process to spawn.
	PipeCommand string   `yaml:"pipe_command"`
	PipeArgs    []string `yaml:"pipe_args"`

	// Relay mode.
	RelayURL  string `yaml:"relay_url"`
	RelayRole string `yaml:"relay_role"`
	RelayPeer string `yaml:"relay_peer"`
}

// LoggingConfig configures the category loggers.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: "anthropic",
			Timeout:  "45s",
		},
		Storage: StorageConfig{
			DataDir:         ".taskpilot",
			KnowledgeDB:     ".taskpilot/knowledge.db",
			MemoryDB:        ".taskpilot/memory.db",
			SessionSnapshot: ".taskpilot/sessions.json",
		},
		Sessions: SessionsConfig{
			StaleAfter:    "30m",
			ReapInterval:  "1m",
			MaxConcurrent: 5,
		},
		Planner: PlannerConfig{
			CallTimeout:    "45s",
			TotalBudget:    "3m",
			MaxNoToolTurns: 2,
			MaxTurns:       12,
		},
		Transport: TransportConfig{
			Mode:      "relay",
			RelayURL:  "ws://127.0.0.1:8765/ws",
			RelayRole: "engine",
			RelayPeer: "executor",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Model.APIKey = key
		c.Model.Provider = "anthropic"
	}
	if url := os.Getenv("TASKPILOT_RELAY_URL"); url != "" {
		c.Transport.RelayURL = url
	}
	if dir := os.Getenv("TASKPILOT_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
		c.Storage.KnowledgeDB = filepath.Join(dir, "knowledge.db")
		c.Storage.MemoryDB = filepath.Join(dir, "memory.db")
		c.Storage.SessionSnapshot = filepath.Join(dir, "sessions.json")
	}
	if level := os.Getenv("TASKPILOT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetModelTimeout returns the model call timeout as a duration.
func (c *Config) GetModelTimeout() time.Duration {
	return parseDuration(c.Model.Timeout, 45*time.Second)
}

// GetStaleAfter returns the session staleness threshold.
func (c *Config) GetStaleAfter() time.Duration {
	return parseDuration(c.Sessions.StaleAfter, 30*time.Minute)
}

// GetReapInterval returns the reaper tick period.
func (c *Config) GetReapInterval() time.Duration {
	return parseDuration(c.Sessions.ReapInterval, time.Minute)
}

// GetPlannerCallTimeout returns the per-call planning timeout.
func (c *Config) GetPlannerCallTimeout() time.Duration {
	return parseDuration(c.Planner.CallTimeout, 45*time.Second)
}

// GetPlannerTotalBudget returns the planning loop wall-clock budget.
func (c *Config) GetPlannerTotalBudget() time.Duration {
	return parseDuration(c.Planner.TotalBudget, 3*time.Minute)
}

// Validate checks the configuration for basic sanity.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "pipe":
		if c.Transport.PipeCommand == "" {
			return fmt.Errorf("transport.pipe_command is required in pipe mode")
		}
	case "relay":
		if c.Transport.RelayURL == "" {
			return fmt.Errorf("transport.relay_url is required in relay mode")
		}
	case "":
		return fmt.Errorf("transport.mode is required (pipe or relay)")
	default:
		return fmt.Errorf("unknown transport.mode %q", c.Transport.Mode)
	}
	if c.Sessions.MaxConcurrent <= 0 {
		return fmt.Errorf("sessions.max_concurrent must be positive")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
