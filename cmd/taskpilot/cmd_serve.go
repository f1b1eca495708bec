package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskpilot/internal/config"
	"taskpilot/internal/knowledge"
	"taskpilot/internal/logging"
	"taskpilot/internal/memory"
	"taskpilot/internal/model"
	"taskpilot/internal/orchestrator"
	"taskpilot/internal/planner"
	"taskpilot/internal/session"
	"taskpilot/internal/transport"
)

// serveCmd runs the orchestration engine.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine",
	Long: `Runs the engine: session manager, planning loop, and the transport
channel to the execution surface. The transport mode (pipe or relay) comes
from the config file.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.Initialize(cfg.Storage.DataDir, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	logging.Get(logging.CategoryBoot).Info("taskpilot engine starting (transport=%s)", cfg.Transport.Mode)

	watcher, err := config.NewWatcher(configPath)
	if err == nil {
		if err := watcher.Start(); err == nil {
			defer watcher.Stop()
		}
	}

	know, err := knowledge.NewStore(cfg.Storage.KnowledgeDB)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer know.Close()

	mem, err := memory.NewStore(cfg.Storage.MemoryDB)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer mem.Close()

	var backend model.Backend
	if cfg.Model.APIKey != "" {
		mc := model.DefaultAnthropicConfig(cfg.Model.APIKey)
		if cfg.Model.BaseURL != "" {
			mc.BaseURL = cfg.Model.BaseURL
		}
		mc.Timeout = cfg.GetModelTimeout()
		backend = model.NewAnthropicClientWithConfig(mc)
	} else {
		logger.Warn("no model API key configured; planning degrades to heuristics")
	}

	knownSites, err := planner.LoadKnownSites(cfg.Storage.KnownSitesPath)
	if err != nil {
		return fmt.Errorf("load known sites: %w", err)
	}

	p := planner.New(backend, know, mem, planner.Config{
		CallTimeout:    cfg.GetPlannerCallTimeout(),
		TotalBudget:    cfg.GetPlannerTotalBudget(),
		MaxNoToolTurns: cfg.Planner.MaxNoToolTurns,
		MaxTurns:       cfg.Planner.MaxTurns,
		KnownSites:     knownSites,
	})

	sessions := session.NewManager(session.Config{
		StaleAfter:   cfg.GetStaleAfter(),
		ReapInterval: cfg.GetReapInterval(),
		SnapshotPath: cfg.Storage.SessionSnapshot,
	})
	sessions.StartReaper()
	defer sessions.StopReaper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel, err := buildChannel(cfg)
	if err != nil {
		return err
	}
	if err := channel.Connect(ctx); err != nil {
		// A pipe failure is fatal; the relay may simply not be up yet.
		if cfg.Transport.Mode == "pipe" {
			return fmt.Errorf("connect transport: %w", err)
		}
		logger.Warn("relay not yet connected; retrying in background", zap.Error(err))
		go retryConnect(ctx, channel)
	}
	defer channel.Disconnect()

	o := orchestrator.New(sessions, p, orchestrator.NewChannelExecutor(channel), know, mem, orchestrator.Config{
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
	})
	orchestrator.BindEvents(channel, o)

	logging.Get(logging.CategoryBoot).Info("engine ready")
	fmt.Println("taskpilot engine running; press Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("shutting down")
	return nil
}

// retryConnect keeps trying the initial connect until it lands; after the
// first success the relay client handles reconnection itself.
func retryConnect(ctx context.Context, ch transport.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
		if ch.IsConnected() {
			return
		}
		if err := ch.Connect(ctx); err == nil {
			return
		}
	}
}

// buildChannel constructs the configured transport.
func buildChannel(cfg *config.Config) (transport.Channel, error) {
	switch cfg.Transport.Mode {
	case "pipe":
		return transport.NewFramedProcess(cfg.Transport.PipeCommand, cfg.Transport.PipeArgs...), nil
	case "relay":
		return transport.NewRelayClient(cfg.Transport.RelayURL, cfg.Transport.RelayRole, cfg.Transport.RelayPeer), nil
	}
	return nil, fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
}
