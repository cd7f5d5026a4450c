package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/contract-forge/internal/repair"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// MaxTokens caps each completion. Zero leaves it to the server.
	MaxTokens int
}

// OpenAIClient proposes patches and chat replies through the chat
// completions API. Retries are left to the caller.
type OpenAIClient struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIClient creates a client. The API key may be empty for local
// OpenAI-compatible servers.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("openai model is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		config.BaseURL = base
	}
	httpClient := &http.Client{}
	if cfg.Timeout > 0 {
		httpClient.Timeout = cfg.Timeout
	}
	config.HTTPClient = httpClient

	logger.Info("OpenAI backend configured", "base_url", config.BaseURL, "model", cfg.Model)
	return &OpenAIClient{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}, nil
}

// Propose asks the model for a corrected file and extracts it from the reply.
func (c *OpenAIClient) Propose(ctx context.Context, req repair.PatchRequest) (string, error) {
	text, err := c.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: patchSystemPrompt(req.Language)},
		{Role: openai.ChatMessageRoleUser, Content: patchPrompt(req)},
	}, 0.3)
	if err != nil {
		return "", err
	}
	code := ExtractCode(text, req.Language)
	if code == "" {
		c.logger.Debug("Patch reply had no code block", "path", req.Path, "attempt", req.Attempt)
		return "", errNoCodeBlock
	}
	return code, nil
}

// Reply answers a chat message with the conversation history.
func (c *OpenAIClient) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+3)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: chatSystemPrompt})
	if block := contextBlock(req.Context); block != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: block})
	}
	for _, t := range req.History {
		role := openai.ChatMessageRoleUser
		if t.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
	return c.complete(ctx, msgs, 0.7)
}

func (c *OpenAIClient) complete(ctx context.Context, msgs []openai.ChatCompletionMessage, temperature float32) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", errors.New("chat completion returned empty content")
	}
	return text, nil
}

// Close is a no-op; the HTTP client holds no long-lived resources.
func (c *OpenAIClient) Close() {}
