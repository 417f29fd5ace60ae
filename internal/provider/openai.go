package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"aibench/internal/config"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	grokBaseURL   = "https://api.x.ai/v1"
)

// OpenAI chat/completions 协议；grok 复用同一协议，只换 base URL
type OpenAI struct {
	name      string
	baseURL   string
	maxTokens int
	client    *http.Client
}

func NewOpenAI(client *http.Client, cfg config.ProviderConfig) *OpenAI {
	return newOpenAICompatible(NameOpenAI, openAIBaseURL, client, cfg)
}

func NewGrok(client *http.Client, cfg config.ProviderConfig) *OpenAI {
	return newOpenAICompatible(NameGrok, grokBaseURL, client, cfg)
}

func newOpenAICompatible(name, defaultBaseURL string, client *http.Client, cfg config.ProviderConfig) *OpenAI {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &OpenAI{
		name:      name,
		baseURL:   baseURL,
		maxTokens: cfg.MaxTokens,
		client:    client,
	}
}

func (p *OpenAI) Name() string {
	return p.name
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAI) Send(ctx context.Context, req Request) (string, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.Prompt.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.Prompt.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt.User})

	body := map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"messages":    messages,
	}
	if p.maxTokens > 0 {
		body["max_tokens"] = p.maxTokens
	}
	if req.Prompt.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	raw, err := postJSON(ctx, p.client, p.name, p.baseURL+"/chat/completions", map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", req.APIKey),
	}, body)
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", invalidResponseError(p.name, fmt.Errorf("解析响应失败: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", invalidResponseError(p.name, fmt.Errorf("响应中没有 choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
