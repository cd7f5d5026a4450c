package domain

import (
	"fmt"
)

// Severity classifies a compiler diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is a single compiler message.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	// Line and Column are 1-based; 0 means unknown.
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
	Source string `json:"source,omitempty"`
}

// String renders the diagnostic the way patch prompts list it.
func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("Line %d: %s", d.Line, d.Message)
	}
	return d.Message
}

// CompileReport is the raw response of a compiler collaborator.
type CompileReport struct {
	Diagnostics []Diagnostic
	ExitCode    int
}

// Errors returns only the error-severity diagnostics.
func (r *CompileReport) Errors() []Diagnostic {
	var errs []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Outcome is the terminal state of a repair cycle or one of its attempts.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeAborted Outcome = "aborted"
)

// CompileAttempt records one pass through the compile step of a cycle.
type CompileAttempt struct {
	Path        string       `json:"path"`
	Candidate   string       `json:"candidate"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Attempt     int          `json:"attempt"`
	Outcome     Outcome      `json:"outcome"`
}

// RepairResult is what a repair cycle hands back to its caller.
type RepairResult struct {
	Outcome  Outcome `json:"outcome"`
	Path     string  `json:"path"`
	Language string  `json:"language"`
	// Version is set only when the cycle committed a candidate.
	Version *Version `json:"version,omitempty"`
	// Content is the committed content on success and the last
	// candidate otherwise.
	Content     string           `json:"content"`
	Diagnostics []Diagnostic     `json:"diagnostics"`
	Attempts    []CompileAttempt `json:"attempts"`
	Reason      string           `json:"reason,omitempty"`
}

// Err maps a non-successful outcome onto the matching sentinel error.
func (r *RepairResult) Err() error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeFailure:
		return ErrRepairExhausted
	default:
		if r.Reason != "" {
			return fmt.Errorf("%w: %s", ErrCollaboratorUnavailable, r.Reason)
		}
		return ErrCollaboratorUnavailable
	}
}
