package router

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/contract-forge/internal/domain"
)

// Inbound envelope types.
const (
	TypeMessage        = "message"
	TypeSaveFile       = "save_file"
	TypeGetFileVersion = "get_file_version"
	TypeContextsSynced = "contexts_synced"
)

// Outbound-only envelope types.
const (
	TypeFileSaved             = "file_saved"
	TypeFileVersion           = "file_version"
	TypeError                 = "error"
	TypeConnectionEstablished = "connection_established"
)

// SubtypeCompileAssist marks a message that asks for a compile-repair cycle.
const SubtypeCompileAssist = "compile_assist"

// Inbound is a decoded client frame. Content is a pointer so a missing
// field can be told apart from an empty file.
type Inbound struct {
	Type             string         `json:"type"`
	Subtype          string         `json:"subtype,omitempty"`
	ChatID           string         `json:"chat_id"`
	Content          *string        `json:"content,omitempty"`
	Path             string         `json:"path,omitempty"`
	Language         string         `json:"language,omitempty"`
	Version          string         `json:"version,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	SuppressResponse bool           `json:"suppress_response,omitempty"`
	MaxAttempts      int            `json:"max_attempts,omitempty"`
}

// Envelope is an outbound frame.
type Envelope struct {
	Type     string   `json:"type"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Metadata carries the structured part of an outbound envelope. Timestamp
// is in seconds.
type Metadata struct {
	Path      string  `json:"path"`
	ChatID    string  `json:"chat_id"`
	Version   string  `json:"version,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Language  string  `json:"language,omitempty"`
	Subtype   string  `json:"subtype,omitempty"`
	Code      string  `json:"code,omitempty"`

	Outcome        domain.Outcome          `json:"outcome,omitempty"`
	Attempts       int                     `json:"attempts,omitempty"`
	Diagnostics    []domain.Diagnostic     `json:"diagnostics,omitempty"`
	AttemptHistory []domain.CompileAttempt `json:"attempt_history,omitempty"`
	Candidate      string                  `json:"candidate,omitempty"`
	Reason         string                  `json:"reason,omitempty"`

	Paths []string `json:"paths,omitempty"`
}

// Decode parses and validates one inbound frame.
func Decode(data []byte) (*Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON", domain.ErrInvalidEnvelope)
	}
	if in.Type == "" {
		return nil, fmt.Errorf("%w: missing type", domain.ErrInvalidEnvelope)
	}
	if in.ChatID == "" {
		return nil, fmt.Errorf("%w: missing chat_id", domain.ErrInvalidEnvelope)
	}

	var missing string
	switch in.Type {
	case TypeMessage:
		switch {
		case in.Content == nil:
			missing = "content"
		case in.Subtype == SubtypeCompileAssist && in.Path == "":
			missing = "path"
		case in.Subtype == SubtypeCompileAssist && in.Language == "":
			missing = "language"
		}
		if in.Subtype != "" && in.Subtype != SubtypeCompileAssist {
			return nil, fmt.Errorf("%w: unknown subtype %q", domain.ErrInvalidEnvelope, in.Subtype)
		}
	case TypeSaveFile:
		switch {
		case in.Path == "":
			missing = "path"
		case in.Content == nil:
			missing = "content"
		case in.Language == "":
			missing = "language"
		}
	case TypeGetFileVersion:
		switch {
		case in.Path == "":
			missing = "path"
		case in.Version == "":
			missing = "version"
		}
	case TypeContextsSynced:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidEnvelope, in.Type)
	}
	if missing != "" {
		return nil, fmt.Errorf("%w: %s requires %s", domain.ErrInvalidEnvelope, in.Type, missing)
	}
	return &in, nil
}

// ConnectionEstablished is the first frame sent on an accepted channel.
func ConnectionEstablished(chatID string) Envelope {
	return Envelope{
		Type:     TypeConnectionEstablished,
		Content:  "Connected",
		Metadata: Metadata{ChatID: chatID},
	}
}
