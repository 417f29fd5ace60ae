package model

import (
	"time"
)

// Settings 单行表，保存各 provider 的 API key（优先于配置文件/环境变量）
type Settings struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	OpenAIKey    string `gorm:"type:varchar(500)" json:"openai_key"`
	AnthropicKey string `gorm:"type:varchar(500)" json:"anthropic_key"`
	GeminiKey    string `gorm:"type:varchar(500)" json:"gemini_key"`
	GrokKey      string `gorm:"type:varchar(500)" json:"grok_key"`
}

// KeyFor 按 provider 名取 key
func (s *Settings) KeyFor(provider string) string {
	if s == nil {
		return ""
	}
	switch provider {
	case "openai":
		return s.OpenAIKey
	case "anthropic":
		return s.AnthropicKey
	case "gemini":
		return s.GeminiKey
	case "grok":
		return s.GrokKey
	}
	return ""
}
