// Package agent talks to the language models that propose compile fixes and
// answer chat messages.
package agent

// Turn is one message of conversation history passed to a model.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ReplyRequest asks the responder for a chat answer.
type ReplyRequest struct {
	ChatID  string
	Message string
	// History holds earlier turns, oldest first, excluding Message.
	History []Turn
	Context map[string]any
}
