// Forge is a session, version and compile-repair server for in-browser
// contract editors.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Session, version and compile-repair server",
		Long: `Forge keeps per-chat file histories for connected editors and runs
compile, diagnose, patch, recompile cycles against them.

Usage:
  forge serve                      Start the websocket server (default)
  forge repair FILE -l solidity    Run one repair cycle on a local file`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			setupLogging(os.Getenv("LOG_LEVEL"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(serveCmd(), repairCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel(level, slog.LevelInfo),
	}))
	slog.SetDefault(logger)
}

func slogLevel(level string, fallback slog.Level) slog.Level {
	level = strings.TrimSpace(level)
	if level == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fallback
	}
	return lvl
}
