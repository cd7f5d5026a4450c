package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashureev/contract-forge/internal/config"
	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/repair"
	"github.com/ashureev/contract-forge/internal/session"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func repairCmd() *cobra.Command {
	var (
		language    string
		maxAttempts int
		write       bool
	)

	cmd := &cobra.Command{
		Use:   "repair FILE",
		Short: "Run one compile-repair cycle on a local file",
		Long: `Compile FILE and, while it has errors, ask the configured agent backend
for a fix and recompile. The result is printed as JSON.

Examples:
  forge repair Token.sol -l solidity
  forge repair main.go -l go --max-attempts 3 --write`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := repairLogger()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if maxAttempts < 1 {
				maxAttempts = cfg.Repair.MaxAttempts
			}

			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read source: %w", err)
			}

			comp, closeCompiler, err := buildCompiler(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeCompiler()

			backend, err := buildAgent(cfg, logger)
			if err != nil {
				return fmt.Errorf("init agent backend: %w", err)
			}
			if backend != nil {
				defer backend.Close()
			}

			registry := session.NewRegistry(session.WithLogger(logger))
			ws, err := registry.Bind("cli", uuid.NewString())
			if err != nil {
				return err
			}

			engine := repair.NewEngine(comp, patcherOf(backend),
				repair.WithRetryPolicy(retryPolicy(cfg)),
				repair.WithLogger(logger),
			)
			res, err := engine.AttemptCompileAndRepair(ctx, ws, filepath.Base(args[0]), string(src), language, maxAttempts)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}

			if res.Outcome != domain.OutcomeSuccess {
				return fmt.Errorf("repair %s: %s", res.Outcome, res.Reason)
			}
			if write && res.Content != string(src) {
				if err := os.WriteFile(args[0], []byte(res.Content), 0o644); err != nil {
					return fmt.Errorf("write repaired source: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&language, "language", "l", "solidity", "Source language")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Compile attempts including the first (0 uses MAX_REPAIR_ATTEMPTS)")
	cmd.Flags().BoolVarP(&write, "write", "w", false, "Write the repaired source back to FILE")

	return cmd
}

// repairLogger keeps logs on stderr so stdout carries only the result.
func repairLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(os.Getenv("LOG_LEVEL"), slog.LevelWarn),
	}))
}
