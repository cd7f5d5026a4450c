// Package repair runs the compile, diagnose, patch, recompile loop against a
// session's file store.
package repair

import (
	"context"

	"github.com/ashureev/contract-forge/internal/domain"
)

// Compiler compiles source and reports diagnostics.
type Compiler interface {
	Compile(ctx context.Context, source, language string) (*domain.CompileReport, error)
}

// PatchRequest carries everything a patch generator needs to propose a fix.
type PatchRequest struct {
	Path        string
	Language    string
	Source      string
	Diagnostics []domain.Diagnostic
	Context     map[string]any
	Attempt     int
}

// PatchGenerator proposes revised source for a failed compile.
type PatchGenerator interface {
	Propose(ctx context.Context, req PatchRequest) (string, error)
}

// RunRecorder receives one audit record per finished cycle.
type RunRecorder interface {
	RecordRepairRun(ctx context.Context, run *domain.RepairRun) error
}
