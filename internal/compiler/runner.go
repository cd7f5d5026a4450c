package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/ashureev/contract-forge/internal/domain"
)

// RunSpec describes one toolchain invocation.
type RunSpec struct {
	Image string
	Argv  []string
	Stdin []byte
}

// RunResult is the captured outcome of a finished process.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Truncated is set when either stream exceeded the output limit.
	Truncated bool
}

// Runner executes a toolchain command and captures its output. A non-zero
// exit is not an error; errors mean the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// LocalRunner runs toolchains installed on the host. Image is ignored.
type LocalRunner struct {
	OutputLimit int
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty command")
	}

	stdout := newOutputBuffer(r.OutputLimit)
	stderr := newOutputBuffer(r.OutputLimit)

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Stdin = bytes.NewReader(spec.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := &RunResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("run %s: %w", spec.Argv[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s is not installed", domain.ErrUnsupportedLanguage, spec.Argv[0])
	}
	return nil, fmt.Errorf("run %s: %w", spec.Argv[0], err)
}
