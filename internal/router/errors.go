package router

import (
	"errors"

	"github.com/ashureev/contract-forge/internal/domain"
)

// errorEnvelope maps err onto a client-facing error frame. Only sentinel
// errors have their text exposed.
func errorEnvelope(chatID, path string, err error) Envelope {
	code, msg := classify(err)
	return Envelope{
		Type:     TypeError,
		Content:  msg,
		Metadata: Metadata{Path: path, ChatID: chatID, Code: code},
	}
}

func classify(err error) (code, msg string) {
	switch {
	case errors.Is(err, domain.ErrInvalidEnvelope):
		return "invalid_envelope", err.Error()
	case errors.Is(err, domain.ErrInvalidIdentity):
		return "invalid_identity", err.Error()
	case errors.Is(err, domain.ErrInvalidPath):
		return "invalid_path", err.Error()
	case errors.Is(err, domain.ErrVersionNotFound):
		return "version_not_found", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return "not_found", err.Error()
	case errors.Is(err, domain.ErrSessionEvicted):
		return "session_evicted", "session expired, reconnect to start a new one"
	case errors.Is(err, domain.ErrCollaboratorUnavailable):
		return "collaborator_unavailable", "assistant is unavailable, try again later"
	case errors.Is(err, domain.ErrUnsupportedLanguage):
		return "unsupported_language", err.Error()
	default:
		return "internal", "internal error"
	}
}
