package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
database:
  driver: mysql
  host: db
  port: 3306
log:
  level: debug
  format: json
providers:
  openai:
    api_key: sk-file
    requests_per_minute: 30
executor:
  workers: 4
coercion:
  repair_json: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "", cfg.Database.DSN)
	assert.Equal(t, "utf8mb4", cfg.Database.Charset)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sk-file", cfg.Provider("OpenAI").APIKey)
	assert.Equal(t, 30, cfg.Provider("openai").RequestsPerMinute)
	assert.Equal(t, 4, cfg.Executor.Workers)
	assert.Equal(t, 64, cfg.Executor.QueueSize)
	assert.Equal(t, 60*time.Second, cfg.Executor.ProviderTimeout())
	assert.True(t, cfg.Coercion.RepairJSON)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	_, err = LoadConfig(writeConfig(t, "server: [1, 2"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2222, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "storage/aibench.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Executor.Workers)
	assert.NotNil(t, cfg.Providers)
	assert.Equal(t, ProviderConfig{}, cfg.Provider("gemini"))

	var nilCfg *Config
	assert.Equal(t, ProviderConfig{}, nilCfg.Provider("openai"))
}

func TestApplyOverrides_Env(t *testing.T) {
	t.Setenv("AIBENCH_SERVER_PORT", "9090")
	t.Setenv("AIBENCH_DATABASE_DSN", "file:test.db")
	t.Setenv("AIBENCH_LOG_LEVEL", "warn")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("AIBENCH_GROK_API_KEY", "xai-env")

	cfg := Default()
	cfg.ApplyOverrides(nil)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sk-env", cfg.Provider("openai").APIKey)
	assert.Equal(t, "xai-env", cfg.Provider("grok").APIKey)
}

func TestApplyOverrides_Flag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 0, "")
	require.NoError(t, flags.Parse([]string{"--port", "7070"}))

	v := viper.New()
	require.NoError(t, v.BindPFlag("server.port", flags.Lookup("port")))

	cfg := Default()
	cfg.ApplyOverrides(v)
	assert.Equal(t, 7070, cfg.Server.Port)
}
