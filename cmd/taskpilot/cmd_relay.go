package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"taskpilot/internal/transport"
)

var relayAddr string

// relayCmd runs the standalone relay server.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay server",
	Long: `Runs the long-lived relay that sits between the engine and the
execution surface. Each side registers under a role; messages addressed to a
disconnected role are queued and flushed when it returns.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "127.0.0.1:8765", "listen address")
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	logger.Info("relay listening")
	return transport.NewRelay().ListenAndServe(ctx, relayAddr)
}
