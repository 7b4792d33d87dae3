package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type OllamaProvider struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature      float32 `json:"temperature,omitempty"`
	NumPredict       int     `json:"num_predict,omitempty"`
	PresencePenalty  float32 `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty"`
}

type ollamaChatReq struct {
	Model    string        `json:"model"`
	Messages []ollamaMsg   `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResp struct {
	Message         ollamaMsg `json:"message"`
	PromptEvalCount int       `json:"prompt_eval_count"`
	EvalCount       int       `json:"eval_count"`
	Error           string    `json:"error,omitempty"`
}

// Chat calls /api/chat without streaming. Ollama has no multi-choice
// support, so the response always carries a single choice.
func (p *OllamaProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.Client == nil {
		return nil, &ProviderError{Provider: "ollama", Kind: KindProvider, Err: errors.New("http client is nil")}
	}

	reqBody := ollamaChatReq{
		Model:  p.Model,
		Stream: false,
		Options: ollamaOptions{
			Temperature:      req.Params.Temperature,
			NumPredict:       req.Params.MaxTokens,
			PresencePenalty:  req.Params.PresencePenalty,
			FrequencyPenalty: req.Params.FrequencyPenalty,
		},
	}
	reqBody.Messages = make([]ollamaMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		reqBody.Messages = append(reqBody.Messages, ollamaMsg{Role: string(m.Role), Content: m.Content})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Kind: KindInvalidRequest, Err: err}
	}

	url := fmt.Sprintf("%s/api/chat", p.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Kind: KindInvalidRequest, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: "ollama", Kind: KindProvider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, newProviderError("ollama", resp.StatusCode, errors.New(strings.TrimSpace(string(body))))
	}

	var decoded ollamaChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &ProviderError{Provider: "ollama", Kind: KindProvider, Err: err}
	}
	if decoded.Error != "" {
		return nil, &ProviderError{Provider: "ollama", Kind: KindProvider, Err: errors.New(decoded.Error)}
	}

	return &ChatResponse{
		Choices: []Message{{Role: RoleAssistant, Content: decoded.Message.Content}},
		Usage: Usage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
			TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
		},
	}, nil
}
