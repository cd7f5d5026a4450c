package agent

import (
	"context"

	"github.com/ashureev/contract-forge/internal/repair"
)

// Responder produces a chat reply for a plain message.
type Responder interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// Backend is a model that can both repair code and chat.
type Backend interface {
	repair.PatchGenerator
	Responder

	// Close releases resources.
	Close()
}

// Ensure both clients implement Backend.
var (
	_ Backend = (*GrpcClient)(nil)
	_ Backend = (*OpenAIClient)(nil)
)
