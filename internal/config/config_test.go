package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("expected Provider=anthropic, got %s", cfg.Model.Provider)
	}
	if cfg.Sessions.MaxConcurrent != 5 {
		t.Errorf("expected MaxConcurrent=5, got %d", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Transport.Mode != "relay" {
		t.Errorf("expected Mode=relay, got %s", cfg.Transport.Mode)
	}
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("TASKPILOT_DATA_DIR", "")

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Model.APIKey = "sk-test"
	cfg.Transport.Mode = "pipe"
	cfg.Transport.PipeCommand = "/usr/local/bin/surface"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-test", loaded.Model.APIKey)
	assert.Equal(t, "pipe", loaded.Transport.Mode)
	assert.Equal(t, "/usr/local/bin/surface", loaded.Transport.PipeCommand)
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Sessions.MaxConcurrent, cfg.Sessions.MaxConcurrent)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("ANTHROPIC_API_KEY sets key and provider", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "ant-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "ant-key", cfg.Model.APIKey)
		assert.Equal(t, "anthropic", cfg.Model.Provider)
	})

	t.Run("TASKPILOT_DATA_DIR moves every storage path", func(t *testing.T) {
		t.Setenv("TASKPILOT_DATA_DIR", "/var/lib/taskpilot")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/var/lib/taskpilot", cfg.Storage.DataDir)
		assert.Equal(t, filepath.Join("/var/lib/taskpilot", "knowledge.db"), cfg.Storage.KnowledgeDB)
		assert.Equal(t, filepath.Join("/var/lib/taskpilot", "memory.db"), cfg.Storage.MemoryDB)
	})

	t.Run("TASKPILOT_LOG_LEVEL overrides file value", func(t *testing.T) {
		t.Setenv("TASKPILOT_LOG_LEVEL", "debug")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 45*time.Second, cfg.GetModelTimeout())
	assert.Equal(t, 30*time.Minute, cfg.GetStaleAfter())
	assert.Equal(t, 3*time.Minute, cfg.GetPlannerTotalBudget())

	cfg.Planner.CallTimeout = "garbage"
	assert.Equal(t, 45*time.Second, cfg.GetPlannerCallTimeout(), "bad duration falls back")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Mode = "pipe"
	require.Error(t, cfg.Validate(), "pipe mode requires a command")

	cfg.Transport.PipeCommand = "/bin/surface"
	require.NoError(t, cfg.Validate())

	cfg.Transport.Mode = "carrier-pigeon"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sessions.MaxConcurrent = 0
	require.Error(t, cfg.Validate())
}

func TestWatcher_ReloadsLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.debounceDur = 0
	require.NoError(t, w.Start())
	defer w.Stop()

	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Save(path))

	// The reload is asynchronous; we only assert the watcher survives the
	// write and keeps running.
	time.Sleep(100 * time.Millisecond)
	_, err = os.Stat(path)
	require.NoError(t, err)
}
