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
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1000
)

// Anthropic messages 接口：system 单独传，max_tokens 必填
type Anthropic struct {
	baseURL   string
	maxTokens int
	client    *http.Client
}

func NewAnthropic(client *http.Client, cfg config.ProviderConfig) *Anthropic {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Anthropic{baseURL: baseURL, maxTokens: maxTokens, client: client}
}

func (p *Anthropic) Name() string {
	return NameAnthropic
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Anthropic) Send(ctx context.Context, req Request) (string, error) {
	body := map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"max_tokens":  p.maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt.User},
		},
	}
	if req.Prompt.System != "" {
		body["system"] = req.Prompt.System
	}

	raw, err := postJSON(ctx, p.client, NameAnthropic, p.baseURL+"/messages", map[string]string{
		"x-api-key":         req.APIKey,
		"anthropic-version": anthropicVersion,
	}, body)
	if err != nil {
		return "", err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", invalidResponseError(NameAnthropic, fmt.Errorf("解析响应失败: %w", err))
	}

	// 多个 text block 直接拼接
	var (
		b     strings.Builder
		found bool
	)
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			found = true
			b.WriteString(block.Text)
		}
	}
	if !found {
		return "", invalidResponseError(NameAnthropic, fmt.Errorf("响应中没有 text block"))
	}
	return strings.TrimSpace(b.String()), nil
}
