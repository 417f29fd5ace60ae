package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Log       LogConfig                 `yaml:"log"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Executor  ExecutorConfig            `yaml:"executor"`
	Coercion  CoercionConfig            `yaml:"coercion"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// gin 运行模式：debug/release/test
	Mode string `yaml:"mode"`
	// 前端构建产物目录（为空则不挂载静态文件）
	StaticDir string `yaml:"static_dir"`
}

type DatabaseConfig struct {
	// 驱动：sqlite/mysql/postgres
	Driver string `yaml:"driver"`
	// sqlite 为文件路径；mysql/postgres 填写后优先于下面的分项配置
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	Charset  string `yaml:"charset"`
	SSLMode  string `yaml:"sslmode"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text/json
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// 每分钟请求上限，0 表示不限速
	RequestsPerMinute int `yaml:"requests_per_minute"`
	MaxTokens         int `yaml:"max_tokens"`
}

type ExecutorConfig struct {
	Workers                int `yaml:"workers"`
	QueueSize              int `yaml:"queue_size"`
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`
}

type CoercionConfig struct {
	// 严格 JSON 解析失败后是否尝试 jsonrepair 修复
	RepairJSON bool `yaml:"repair_json"`
}

// 每个 provider 的 API key 对应的环境变量（兼容老版本的命名）
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"grok":      "GROK_API_KEY",
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

// Default 没有配置文件时使用（本地开发 / CLI 一次性执行）
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// ApplyOverrides 用环境变量 / 命令行参数覆盖文件配置。
// v 为 nil 时只读环境变量。
func (c *Config) ApplyOverrides(v *viper.Viper) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix("AIBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if port := v.GetInt("server.port"); port > 0 {
		c.Server.Port = port
	}
	if mode := v.GetString("server.mode"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := v.GetString("database.driver"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := v.GetString("database.dsn"); dsn != "" {
		c.Database.DSN = dsn
	}
	if level := v.GetString("log.level"); level != "" {
		c.Log.Level = level
	}

	for name, env := range providerKeyEnv {
		key := "providers." + name + ".api_key"
		_ = v.BindEnv(key, "AIBENCH_"+env, env)
		if apiKey := v.GetString(key); apiKey != "" {
			pc := c.Providers[name]
			pc.APIKey = apiKey
			c.Providers[name] = pc
		}
	}
}

// Provider 返回指定 provider 的配置（不存在时返回零值）
func (c *Config) Provider(name string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[strings.ToLower(name)]
}

func (e ExecutorConfig) ProviderTimeout() time.Duration {
	return time.Duration(e.ProviderTimeoutSeconds) * time.Second
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 2222
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.DSN == "" {
		c.Database.DSN = "storage/aibench.db"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = 2
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = 64
	}
	if c.Executor.ProviderTimeoutSeconds <= 0 {
		c.Executor.ProviderTimeoutSeconds = 60
	}
}
