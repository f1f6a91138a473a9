// Package main is the CLI entry point for convcore-server: the
// conversation runtime core's process boundary. It wires the pure state
// machine, effect executor, supervisor registry, and client notifier
// into a running server, and exposes the schema migrations those
// components' storage layer needs.
//
// # Basic usage
//
//	convcore-server serve --config convcore.yaml
//	convcore-server migrate up --config convcore.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "convcore-server",
		Short:   "Conversation runtime core server",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Long: `convcore-server runs the conversation runtime core: a pure
transition function, an effect executor, a per-conversation supervisor
registry, and a client notifier, behind a minimal HTTP/SSE surface.`,
		SilenceUsage: true,
	}

	root.AddCommand(buildServeCmd())
	root.AddCommand(buildMigrateCmd())

	return root
}
