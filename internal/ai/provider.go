package ai

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the generation knobs forwarded to the provider. Zero values mean
// "provider default".
type Params struct {
	Temperature      float32
	MaxTokens        int
	N                int
	PresencePenalty  float32
	FrequencyPenalty float32
}

type ChatRequest struct {
	Messages []Message
	Params   Params
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse holds one assistant message per requested choice.
type ChatResponse struct {
	Choices []Message
	Usage   Usage
}

// Provider is a black-box chat completion backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
