// Package provider 封装各家 LLM 的 chat 接口，对外统一为 Send(prompt) -> 原始文本。
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"aibench/internal/config"

	"golang.org/x/time/rate"
)

const (
	NameOpenAI    = "openai"
	NameAnthropic = "anthropic"
	NameGemini    = "gemini"
	NameGrok      = "grok"
	NameSample    = "sample"
)

const defaultTimeout = 60 * time.Second

// Prompt 发送给模型的一轮对话
type Prompt struct {
	System string
	User   string
	// 要求模型只输出 JSON（支持的厂商会打开 JSON mode）
	JSON bool
}

type Request struct {
	Model       string
	Temperature float64
	APIKey      string
	Prompt      Prompt
}

// Provider 一个厂商的接入实现。新增厂商只需实现该接口并 Register。
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (string, error)
}

// keyless 不需要 API key 的实现（如 sample）
type keyless interface {
	RequiresAPIKey() bool
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	timeout   time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Registry{
		providers: map[string]Provider{},
		limiters:  map[string]*rate.Limiter{},
		timeout:   timeout,
	}
}

// NewDefaultRegistry 注册内置的全部厂商
func NewDefaultRegistry(cfg *config.Config) *Registry {
	timeout := cfg.Executor.ProviderTimeout()
	r := NewRegistry(timeout)
	client := &http.Client{Timeout: timeout}

	r.Register(NewOpenAI(client, cfg.Provider(NameOpenAI)), cfg.Provider(NameOpenAI).RequestsPerMinute)
	r.Register(NewGrok(client, cfg.Provider(NameGrok)), cfg.Provider(NameGrok).RequestsPerMinute)
	r.Register(NewAnthropic(client, cfg.Provider(NameAnthropic)), cfg.Provider(NameAnthropic).RequestsPerMinute)
	r.Register(NewGemini(client, cfg.Provider(NameGemini)), cfg.Provider(NameGemini).RequestsPerMinute)
	r.Register(NewSample(), 0)
	return r
}

// Register 添加（或替换）一个厂商；requestsPerMinute<=0 表示不限速
func (r *Registry) Register(p Provider, requestsPerMinute int) {
	name := strings.ToLower(p.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	if requestsPerMinute > 0 {
		r.limiters[name] = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	} else {
		delete(r.limiters, name)
	}
}

func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiresAPIKey 未知厂商也视为需要 key
func (r *Registry) RequiresAPIKey(name string) bool {
	p, ok := r.Get(name)
	if !ok {
		return true
	}
	if k, ok := p.(keyless); ok {
		return k.RequiresAPIKey()
	}
	return true
}

// Call 向指定厂商发送一次请求（最多一次尝试，不重试）。
// key 缺失在发请求之前就返回 ErrorTypeMissingAPIKey。
func (r *Registry) Call(ctx context.Context, name, model string, temperature float64, apiKey string, prompt Prompt) (string, error) {
	p, ok := r.Get(name)
	if !ok {
		return "", &ProviderError{
			Provider: name,
			Type:     ErrorTypeUnknownProvider,
			Message:  "provider not registered",
			Cause:    ErrUnknownProvider,
		}
	}
	if strings.TrimSpace(apiKey) == "" && r.RequiresAPIKey(name) {
		return "", missingKeyError(p.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.mu.RLock()
	limiter := r.limiters[strings.ToLower(name)]
	r.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return "", &ProviderError{
				Provider: p.Name(),
				Type:     ErrorTypeRateLimit,
				Message:  fmt.Sprintf("等待限流失败: %v", err),
				Cause:    err,
			}
		}
	}

	return p.Send(ctx, Request{
		Model:       model,
		Temperature: temperature,
		APIKey:      apiKey,
		Prompt:      prompt,
	})
}

// postJSON 发送 JSON 请求并返回 2xx 响应体；非 2xx 解析为 ProviderError
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(provider, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(provider, resp.StatusCode, respBody)
	}
	return respBody, nil
}
