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

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterChatReq struct {
	Model            string          `json:"model"`
	Messages         []openRouterMsg `json:"messages"`
	Stream           bool            `json:"stream"`
	Temperature      float32         `json:"temperature,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	N                int             `json:"n,omitempty"`
	PresencePenalty  float32         `json:"presence_penalty,omitempty"`
	FrequencyPenalty float32         `json:"frequency_penalty,omitempty"`
}

type openRouterChatResp struct {
	Choices []struct {
		Message openRouterMsg `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

func (p *OpenRouterProvider) fail(status int, err error) *ProviderError {
	return newProviderError("openrouter", status, err)
}

func (p *OpenRouterProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.Client == nil {
		return nil, p.fail(0, errors.New("http client is nil"))
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, p.fail(http.StatusBadRequest, errors.New("api key is required"))
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, p.fail(http.StatusBadRequest, errors.New("model is required"))
	}

	reqBody := openRouterChatReq{
		Model:            model,
		Temperature:      req.Params.Temperature,
		MaxTokens:        req.Params.MaxTokens,
		N:                req.Params.N,
		PresencePenalty:  req.Params.PresencePenalty,
		FrequencyPenalty: req.Params.FrequencyPenalty,
	}
	reqBody.Messages = make([]openRouterMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		reqBody.Messages = append(reqBody.Messages, openRouterMsg{Role: string(m.Role), Content: m.Content})
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, p.fail(http.StatusBadRequest, err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, p.fail(http.StatusBadRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		httpReq.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		httpReq.Header.Set("X-Title", p.AppName)
	}

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, p.fail(0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, p.fail(resp.StatusCode, errors.New(msg))
	}

	var decoded openRouterChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, p.fail(0, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, p.fail(decoded.Error.Code, errors.New(decoded.Error.Message))
	}

	out := &ChatResponse{Usage: decoded.Usage}
	for _, c := range decoded.Choices {
		out.Choices = append(out.Choices, Message{Role: RoleAssistant, Content: c.Message.Content})
	}
	return out, nil
}
