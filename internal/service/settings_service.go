package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aibench/internal/config"
	"aibench/internal/model"

	"gorm.io/gorm"
)

// SettingsService API key 管理：数据库中的设置优先，其次配置文件/环境变量
type SettingsService struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewSettingsService(db *gorm.DB, cfg *config.Config) *SettingsService {
	if cfg == nil {
		cfg = config.Default()
	}
	return &SettingsService{db: db, cfg: cfg}
}

type UpdateSettingsRequest struct {
	OpenAIKey    *string `json:"openai_key"`
	AnthropicKey *string `json:"anthropic_key"`
	GeminiKey    *string `json:"gemini_key"`
	GrokKey      *string `json:"grok_key"`
}

// SettingsView 对外展示时 key 做掩码
type SettingsView struct {
	OpenAIKey    string          `json:"openai_key"`
	AnthropicKey string          `json:"anthropic_key"`
	GeminiKey    string          `json:"gemini_key"`
	GrokKey      string          `json:"grok_key"`
	Configured   map[string]bool `json:"configured"`
}

// load 取单行设置，不存在则创建
func (s *SettingsService) load(ctx context.Context) (*model.Settings, error) {
	var settings model.Settings
	err := s.db.WithContext(ctx).Order("id ASC").First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		settings = model.Settings{}
		if err := s.db.WithContext(ctx).Create(&settings).Error; err != nil {
			return nil, fmt.Errorf("创建设置失败: %w", err)
		}
		return &settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询设置失败: %w", err)
	}
	return &settings, nil
}

// APIKey 按 provider 名取 key，找不到返回空串
func (s *SettingsService) APIKey(ctx context.Context, provider string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	settings, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if key := strings.TrimSpace(settings.KeyFor(name)); key != "" {
		return key, nil
	}
	return strings.TrimSpace(s.cfg.Provider(name).APIKey), nil
}

func (s *SettingsService) Get(ctx context.Context) (*SettingsView, error) {
	settings, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	view := &SettingsView{
		OpenAIKey:    maskKey(settings.OpenAIKey),
		AnthropicKey: maskKey(settings.AnthropicKey),
		GeminiKey:    maskKey(settings.GeminiKey),
		GrokKey:      maskKey(settings.GrokKey),
		Configured:   map[string]bool{},
	}
	for _, name := range []string{"openai", "anthropic", "gemini", "grok"} {
		view.Configured[name] = settings.KeyFor(name) != "" || s.cfg.Provider(name).APIKey != ""
	}
	return view, nil
}

// Update 只修改请求中给出的字段；空串表示清除
func (s *SettingsService) Update(ctx context.Context, req UpdateSettingsRequest) (*SettingsView, error) {
	settings, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if req.OpenAIKey != nil {
		settings.OpenAIKey = strings.TrimSpace(*req.OpenAIKey)
	}
	if req.AnthropicKey != nil {
		settings.AnthropicKey = strings.TrimSpace(*req.AnthropicKey)
	}
	if req.GeminiKey != nil {
		settings.GeminiKey = strings.TrimSpace(*req.GeminiKey)
	}
	if req.GrokKey != nil {
		settings.GrokKey = strings.TrimSpace(*req.GrokKey)
	}
	if err := s.db.WithContext(ctx).Save(settings).Error; err != nil {
		return nil, fmt.Errorf("保存设置失败: %w", err)
	}
	return s.Get(ctx)
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
