// Package providers implements the LLM provider integrations: Anthropic
// and OpenAI chat backends, rate capping, and a failover wrapper that
// rotates to the next provider on retryable failures.
package providers

import (
	"context"
	"encoding/json"

	"github.com/ensembleai/ensemble/pkg/models"
)

// Role of a chat message. System prompts are passed separately.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of provider-neutral chat history. An assistant
// message may carry tool calls; a tool message carries their results.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ToolDef describes a tool offered to the model for this request.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Options tune a single chat request. Zero values fall back to the
// provider's configured defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64

	// EnableReasoning asks for extended thinking where the provider
	// supports it; ReasoningBudget caps the thinking tokens.
	EnableReasoning bool
	ReasoningBudget int
}

// Usage is the token accounting for one request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is the provider-neutral result of a chat request.
// ReasoningContent is persisted on the outbound event but never fed
// back into later requests.
type Response struct {
	Content          string
	ToolCalls        []models.ToolCall
	ReasoningContent string
	StopReason       string
	Usage            Usage
}

// ChatProvider is a synchronous chat backend.
type ChatProvider interface {
	Name() string
	Chat(ctx context.Context, system string, messages []Message, tools []ToolDef, opts Options) (*Response, error)
}
