package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskpilot/internal/browser"
	"taskpilot/internal/config"
	"taskpilot/internal/logging"
	"taskpilot/internal/transport"
)

var surfaceHeadless bool

// surfaceCmd runs the reference execution surface.
var surfaceCmd = &cobra.Command{
	Use:   "surface",
	Short: "Run the reference browser execution surface",
	Long: `Runs a minimal rod-backed execution surface that connects to the
relay, accepts execute commands, reads the target page, and reports back.
Intended for end-to-end runs and as a template for real surfaces.`,
	RunE: runSurface,
}

func init() {
	surfaceCmd.Flags().BoolVar(&surfaceHeadless, "headless", true, "run the browser headless")
}

func runSurface(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logging.Initialize(cfg.Storage.DataDir, cfg.Logging.Debug, cfg.Logging.Level); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	// The surface sits on the opposite side of the relay from the engine.
	channel := transport.NewRelayClient(cfg.Transport.RelayURL, cfg.Transport.RelayPeer, cfg.Transport.RelayRole)

	bcfg := browser.DefaultConfig()
	bcfg.Headless = surfaceHeadless
	surface := browser.NewSurface(bcfg, channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := surface.Start(ctx); err != nil {
		return fmt.Errorf("start surface: %w", err)
	}
	defer surface.Shutdown()
	defer channel.Disconnect()

	logger.Info("surface connected")
	fmt.Println("taskpilot surface running; press Ctrl-C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
