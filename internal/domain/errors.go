package domain

import "errors"

var (
	ErrInvalidPath             = errors.New("invalid path")
	ErrVersionNotFound         = errors.New("version not found")
	ErrNotFound                = errors.New("not found")
	ErrInvalidIdentity         = errors.New("invalid session identity")
	ErrInvalidEnvelope         = errors.New("invalid envelope")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrConnectionRejected      = errors.New("connection rejected")
	ErrSessionEvicted          = errors.New("session evicted")
	ErrRepairExhausted         = errors.New("repair attempts exhausted")
	// ErrUnsupportedLanguage is returned by collaborators for languages they
	// cannot handle. It is never retried.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)
