// Package compiler runs language toolchains over candidate source and turns
// their output into diagnostics.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
)

// Compiler dispatches a compile to the toolchain registered for a language.
type Compiler struct {
	runner     Runner
	toolchains map[string]Toolchain
	logger     *slog.Logger
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithLogger sets the compiler logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		c.logger = l
	}
}

// New creates a compiler over runner. Aliases are registered alongside the
// primary language name.
func New(runner Runner, toolchains []Toolchain, opts ...Option) *Compiler {
	c := &Compiler{
		runner:     runner,
		toolchains: make(map[string]Toolchain),
		logger:     slog.Default(),
	}
	for _, tc := range toolchains {
		c.toolchains[strings.ToLower(tc.Language)] = tc
		for _, alias := range tc.Aliases {
			c.toolchains[strings.ToLower(alias)] = tc
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Languages returns the primary names of every registered toolchain.
func (c *Compiler) Languages() []string {
	seen := make(map[string]struct{})
	for _, tc := range c.toolchains {
		seen[tc.Language] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Compile runs the toolchain for language over source.
func (c *Compiler) Compile(ctx context.Context, source, language string) (*domain.CompileReport, error) {
	tc, ok := c.toolchains[strings.ToLower(strings.TrimSpace(language))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedLanguage, language)
	}

	timeout := tc.Timeout
	if timeout <= 0 {
		timeout = defaultCompileTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spec := RunSpec{Image: tc.Image, Argv: tc.Command, Stdin: []byte(source)}
	if tc.Format == FormatSolcJSON {
		req, err := solcRequest(tc.FileName, source)
		if err != nil {
			return nil, fmt.Errorf("encode solc request: %w", err)
		}
		spec.Stdin = req
	}

	start := time.Now()
	res, err := c.runner.Run(ctx, spec)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Toolchain finished",
		"language", tc.Language,
		"exit_code", res.ExitCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if res.Truncated {
		return nil, errors.New("compiler output exceeded the capture limit")
	}

	report := &domain.CompileReport{ExitCode: res.ExitCode}
	switch tc.Format {
	case FormatSolcJSON:
		diags, err := parseSolcJSON(res.Stdout, source)
		if err != nil {
			if msg := strings.TrimSpace(string(res.Stderr)); msg != "" {
				return nil, fmt.Errorf("%w: %s", err, msg)
			}
			return nil, err
		}
		report.Diagnostics = diags
	default:
		// Line-format tools report on stderr; stdout may echo the source.
		report.Diagnostics = parseLines(res.Stderr, path.Base(tc.Command[0]))
	}
	return report, nil
}
