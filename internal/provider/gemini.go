package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"aibench/internal/config"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type Gemini struct {
	baseURL   string
	maxTokens int
	client    *http.Client
}

func NewGemini(client *http.Client, cfg config.ProviderConfig) *Gemini {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Gemini{baseURL: baseURL, maxTokens: cfg.MaxTokens, client: client}
}

func (p *Gemini) Name() string {
	return NameGemini
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *Gemini) Send(ctx context.Context, req Request) (string, error) {
	generationConfig := map[string]any{
		"temperature": req.Temperature,
	}
	if p.maxTokens > 0 {
		generationConfig["maxOutputTokens"] = p.maxTokens
	}
	if req.Prompt.JSON {
		generationConfig["responseMimeType"] = "application/json"
	}

	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []geminiPart{{Text: req.Prompt.User}}},
		},
		"generationConfig": generationConfig,
	}
	if req.Prompt.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []geminiPart{{Text: req.Prompt.System}},
		}
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(req.Model))
	raw, err := postJSON(ctx, p.client, NameGemini, endpoint, map[string]string{
		"x-goog-api-key": req.APIKey,
	}, body)
	if err != nil {
		return "", err
	}

	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", invalidResponseError(NameGemini, fmt.Errorf("解析响应失败: %w", err))
	}
	if len(resp.Candidates) == 0 {
		return "", invalidResponseError(NameGemini, fmt.Errorf("响应中没有 candidates"))
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String()), nil
}
