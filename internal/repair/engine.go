package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/contract-forge/internal/domain"
	"github.com/ashureev/contract-forge/internal/filestore"
)

var errEmptyPatch = errors.New("patch generator returned empty source")

// Workspace is the slice of a session a repair cycle borrows.
type Workspace interface {
	ID() string
	Store() *filestore.Store
	ContextSnapshot() map[string]any
	BeginCycle(ctx context.Context, path string) (func(), error)
}

// Engine runs repair cycles. It keeps no state between cycles.
type Engine struct {
	compiler Compiler
	patcher  PatchGenerator
	retry    RetryPolicy
	recorder RunRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets the per-call retry policy for collaborators.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithRecorder sets the audit recorder.
func WithRecorder(r RunRecorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine over the given collaborators.
func NewEngine(compiler Compiler, patcher PatchGenerator, opts ...Option) *Engine {
	e := &Engine{
		compiler: compiler,
		patcher:  patcher,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttemptCompileAndRepair compiles initialContent and keeps asking the patch
// generator for fixes until the source compiles or maxAttempts compiles have
// run. Only a clean compile is committed to the workspace store.
//
// The returned error covers bad arguments and an evicted workspace; every
// other way a cycle can end is reported through the result's Outcome.
func (e *Engine) AttemptCompileAndRepair(ctx context.Context, ws Workspace, path, initialContent, language string, maxAttempts int) (*domain.RepairResult, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}
	cleaned, err := filestore.CleanPath(path)
	if err != nil {
		return nil, err
	}

	release, err := ws.BeginCycle(ctx, cleaned)
	if err != nil {
		return nil, err
	}
	defer release()

	started := e.now()
	log := e.logger.With("chat_id", ws.ID(), "path", cleaned, "language", language)
	log.Info("Repair cycle started", "max_attempts", maxAttempts)

	result := &domain.RepairResult{
		Path:     cleaned,
		Language: language,
		Content:  initialContent,
	}
	convCtx := ws.ContextSnapshot()
	candidate := initialContent

	for attempt := 1; ; attempt++ {
		report, err := e.compile(ctx, candidate, language)
		if err != nil {
			e.abort(result, attempt, candidate, fmt.Sprintf("compiler: %v", err))
			log.Warn("Repair cycle aborted", "attempt", attempt, "error", err)
			break
		}

		errs := report.Errors()
		if len(errs) == 0 {
			if report.ExitCode != 0 {
				e.abort(result, attempt, candidate,
					fmt.Sprintf("compiler exited with status %d without error diagnostics", report.ExitCode))
				log.Warn("Repair cycle aborted on malformed compiler response", "attempt", attempt, "exit_code", report.ExitCode)
				break
			}
			v, err := ws.Store().Put(cleaned, candidate, language)
			if err != nil {
				e.abort(result, attempt, candidate, fmt.Sprintf("commit: %v", err))
				log.Error("Repair cycle failed to commit", "attempt", attempt, "error", err)
				break
			}
			result.Attempts = append(result.Attempts, domain.CompileAttempt{
				Path:        cleaned,
				Candidate:   candidate,
				Diagnostics: report.Diagnostics,
				Attempt:     attempt,
				Outcome:     domain.OutcomeSuccess,
			})
			result.Outcome = domain.OutcomeSuccess
			result.Version = v
			result.Content = candidate
			result.Diagnostics = report.Diagnostics
			log.Info("Repair cycle succeeded", "attempt", attempt, "version", v.ID)
			break
		}

		result.Attempts = append(result.Attempts, domain.CompileAttempt{
			Path:        cleaned,
			Candidate:   candidate,
			Diagnostics: report.Diagnostics,
			Attempt:     attempt,
			Outcome:     domain.OutcomeFailure,
		})
		result.Content = candidate
		result.Diagnostics = report.Diagnostics

		if attempt >= maxAttempts {
			result.Outcome = domain.OutcomeFailure
			result.Reason = fmt.Sprintf("%d error(s) remain after %d attempt(s)", len(errs), attempt)
			log.Info("Repair cycle exhausted", "attempts", attempt, "errors", len(errs))
			break
		}

		log.Debug("Requesting patch", "attempt", attempt, "errors", len(errs))
		next, err := e.propose(ctx, PatchRequest{
			Path:        cleaned,
			Language:    language,
			Source:      candidate,
			Diagnostics: report.Diagnostics,
			Context:     convCtx,
			Attempt:     attempt,
		})
		if err != nil {
			result.Outcome = domain.OutcomeAborted
			result.Reason = fmt.Sprintf("patch generator: %v", err)
			log.Warn("Repair cycle aborted", "attempt", attempt, "error", err)
			break
		}
		candidate = next
	}

	e.record(ctx, ws.ID(), result, started)
	return result, nil
}

func (e *Engine) compile(ctx context.Context, source, language string) (*domain.CompileReport, error) {
	var report *domain.CompileReport
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		r, err := e.compiler.Compile(ctx, source, language)
		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("compiler returned no report")
		}
		report = r
		return nil
	})
	return report, err
}

func (e *Engine) propose(ctx context.Context, req PatchRequest) (string, error) {
	if e.patcher == nil {
		return "", fmt.Errorf("%w: no patch generator configured", domain.ErrCollaboratorUnavailable)
	}
	var out string
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		src, err := e.patcher.Propose(ctx, req)
		if err != nil {
			return err
		}
		if strings.TrimSpace(src) == "" {
			return errEmptyPatch
		}
		out = src
		return nil
	})
	return out, err
}

func (e *Engine) abort(result *domain.RepairResult, attempt int, candidate, reason string) {
	result.Attempts = append(result.Attempts, domain.CompileAttempt{
		Path:      result.Path,
		Candidate: candidate,
		Attempt:   attempt,
		Outcome:   domain.OutcomeAborted,
	})
	result.Outcome = domain.OutcomeAborted
	result.Content = candidate
	result.Reason = reason
}

func (e *Engine) record(ctx context.Context, chatID string, result *domain.RepairResult, started time.Time) {
	if e.recorder == nil {
		return
	}
	run := &domain.RepairRun{
		ChatID:      chatID,
		Path:        result.Path,
		Language:    result.Language,
		Outcome:     result.Outcome,
		Attempts:    len(result.Attempts),
		Reason:      result.Reason,
		Diagnostics: result.Diagnostics,
		StartedAt:   started,
		FinishedAt:  e.now(),
	}
	if result.Version != nil {
		run.VersionID = result.Version.ID
	}
	// The audit write must not depend on the caller still waiting.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.recorder.RecordRepairRun(recordCtx, run); err != nil {
		e.logger.Warn("Failed to record repair run", "chat_id", chatID, "path", result.Path, "error", err)
	}
}
