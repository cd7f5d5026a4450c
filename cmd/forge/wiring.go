package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ashureev/contract-forge/internal/agent"
	"github.com/ashureev/contract-forge/internal/compiler"
	"github.com/ashureev/contract-forge/internal/config"
	"github.com/ashureev/contract-forge/internal/repair"
)

// buildCompiler returns the compiler for the configured backend and a
// function releasing its resources.
func buildCompiler(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*compiler.Compiler, func(), error) {
	toolchains, err := compiler.LoadToolchains(cfg.Compile.ToolchainsFile)
	if err != nil {
		return nil, nil, err
	}

	var (
		runner  compiler.Runner
		cleanup = func() {}
	)
	switch cfg.Compile.Backend {
	case config.CompilerDocker:
		dr, err := compiler.NewDockerRunner(cfg.Compile.ContainerRuntime, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init docker runner: %w", err)
		}
		if err := dr.Ping(ctx); err != nil {
			_ = dr.Close()
			return nil, nil, fmt.Errorf("docker unreachable: %w", err)
		}
		runner = dr
		cleanup = func() {
			if err := dr.Close(); err != nil {
				logger.Error("Failed to close docker client", "error", err)
			}
		}
	default:
		runner = &compiler.LocalRunner{}
	}

	c := compiler.New(runner, toolchains, compiler.WithLogger(logger))
	logger.Info("Compiler initialized", "backend", cfg.Compile.Backend, "languages", c.Languages())
	return c, cleanup, nil
}

// buildAgent returns the model backend, or nil when none is configured.
func buildAgent(cfg *config.Config, logger *slog.Logger) (agent.Backend, error) {
	switch cfg.Agent.Backend {
	case config.AgentOpenAI:
		c, err := agent.NewOpenAIClient(agent.OpenAIConfig{
			BaseURL: cfg.Agent.OpenAIBaseURL,
			APIKey:  cfg.Agent.OpenAIKey,
			Model:   cfg.Agent.OpenAIModel,
			Timeout: cfg.Agent.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.AgentGRPC:
		gcfg := agent.DefaultGrpcClientConfig()
		gcfg.Address = cfg.Agent.GRPCAddr
		gcfg.RequestTimeout = cfg.Agent.Timeout
		c, err := agent.NewGrpcClient(gcfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}

func retryPolicy(cfg *config.Config) repair.RetryPolicy {
	p := repair.DefaultRetryPolicy()
	p.MaxAttempts = cfg.Repair.MaxRetries
	p.BaseDelay = cfg.Repair.RetryBaseDelay
	p.MaxDelay = cfg.Repair.RetryMaxDelay
	return p
}

// patcherOf avoids handing the engine a typed nil interface.
func patcherOf(b agent.Backend) repair.PatchGenerator {
	if b == nil {
		return nil
	}
	return b
}

// originHosts turns configured origins into websocket host patterns.
// "https://app.example.com" becomes "app.example.com"; bare hosts and "*"
// pass through.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
