// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing and defaults

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/automation"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  public_url: "https://chat.example.com"

database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"

automation:
  enabled: true
  quota: 5
  provider: "openai"
  openai:
    api_key: "sk-test"
    model: "gpt-4o-mini"
  agent_backoff: "45m"
  human_wait: "20m"
  notify_suppression: "2m"
  typing_min: "500ms"
  typing_max: "3s"
  typing_per_char: "20ms"
  provider_timeout: "10s"

translation:
  enabled: true
  canonical_language: "EN"
  provider: "openai"
  openai:
    api_key: "sk-test"
  timeout: "3s"

usage:
  limits:
    automation_replies: 1000
    conversations: 200

notifications:
  queue_size: 32
  retries: 5
  retry_backoff: "1s"
  matrix:
    enabled: true
    homeserver: "https://matrix.org"
    user_id: "@bot:matrix.org"
    access_token: "matrix-token"
    room_id: "!support:matrix.org"

realtime:
  redis:
    enabled: true
    addr: "localhost:6379"

attachments:
  dir: "/var/lib/chat/files"
  max_bytes: 1048576

auth:
  visitor_token_secret: "s3cret"
  token_ttl: "720h"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, "https://chat.example.com", cfg.Server.PublicURL)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "json", cfg.Logging.Format)

	a := cfg.Automation
	assert.True(t, a.Enabled)
	assert.Equal(t, 5, a.Quota)
	assert.Equal(t, "gpt-4o-mini", a.OpenAI.Model)
	assert.Equal(t, 45*time.Minute, a.AgentBackoff)
	assert.Equal(t, 20*time.Minute, a.HumanWait)
	assert.Equal(t, 2*time.Minute, a.NotifySuppression)
	assert.Equal(t, 500*time.Millisecond, a.TypingMin)
	assert.Equal(t, 3*time.Second, a.TypingMax)
	assert.Equal(t, 20*time.Millisecond, a.TypingPerChar)
	assert.Equal(t, 10*time.Second, a.ProviderTimeout)

	assert.Equal(t, "en", cfg.Translation.CanonicalLanguage, "canonical language is lower-cased")
	assert.Equal(t, 3*time.Second, cfg.Translation.Timeout)

	assert.Equal(t, int64(1000), cfg.Usage.Limits["automation_replies"])
	assert.Equal(t, 32, cfg.Notifications.QueueSize)
	assert.Equal(t, time.Second, cfg.Notifications.RetryBackoff)
	assert.Equal(t, "!support:matrix.org", cfg.Notifications.Matrix.RoomID)
	assert.Equal(t, DefaultRedisChannel, cfg.Realtime.Redis.Channel)
	assert.Equal(t, int64(1048576), cfg.Attachments.MaxBytes)
	assert.Equal(t, "/files/", cfg.Attachments.PublicBase)
	assert.Equal(t, 720*time.Hour, cfg.Auth.TokenTTL)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, automation.DefaultQuota, cfg.Automation.Quota)
	assert.Equal(t, automation.DefaultAgentBackoff, cfg.Automation.AgentBackoff)
	assert.Equal(t, automation.DefaultHumanWait, cfg.Automation.HumanWait)
	assert.Equal(t, automation.DefaultNotifySuppression, cfg.Automation.NotifySuppression)
	assert.Equal(t, cfg.Automation.NotifySuppression, cfg.Notifications.Coalesce)
	assert.NotEqual(t, cfg.Automation.AgentBackoff, cfg.Automation.NotifySuppression,
		"backoff and notification suppression are independent windows")
	assert.Equal(t, DefaultTranslateTimeout, cfg.Translation.Timeout)
	assert.Equal(t, DefaultQueueSize, cfg.Notifications.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_CHAT_DB_PATH", "/tmp/env.db")
	t.Setenv("TEST_CHAT_OPENAI_KEY", "sk-from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${TEST_CHAT_DB_PATH}"
automation:
  enabled: true
  provider: openai
  openai:
    api_key: "${TEST_CHAT_OPENAI_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.Database.Path)
	assert.Equal(t, "sk-from-env", cfg.Automation.OpenAI.APIKey)
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("TEST_CHAT_UNSET_SECRET")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  visitor_token_secret: "${TEST_CHAT_UNSET_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.VisitorTokenSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
automation:
  agent_backoff: "half an hour"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "automation.agent_backoff")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale without hostname",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale.Enabled = true
			},
			wantErr: "tailscale.hostname",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Automation.Provider = "magic" },
			wantErr: "automation.provider",
		},
		{
			name:    "openai provider without key",
			mutate:  func(c *Config) { c.Automation.Provider = "openai" },
			wantErr: "automation.openai.api_key",
		},
		{
			name: "typing bounds inverted",
			mutate: func(c *Config) {
				c.Automation.TypingMin = 5 * time.Second
				c.Automation.TypingMax = time.Second
			},
			wantErr: "typing_max",
		},
		{
			name:    "negative usage limit",
			mutate:  func(c *Config) { c.Usage.Limits = map[string]int64{"conversations": -1} },
			wantErr: "usage.limits.conversations",
		},
		{
			name:    "matrix without room",
			mutate:  func(c *Config) { c.Notifications.Matrix.Enabled = true },
			wantErr: "notifications.matrix",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Realtime.Redis.Enabled = true },
			wantErr: "realtime.redis.addr",
		},
		{
			name: "disabled automation skips provider checks",
			mutate: func(c *Config) {
				c.Automation.Enabled = false
				c.Automation.Provider = "magic"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_CHAT_A", "alpha")
	t.Setenv("TEST_CHAT_B", "beta")

	assert.Equal(t, "alpha-beta", expandEnvVars("${TEST_CHAT_A}-${TEST_CHAT_B}"))
	assert.Equal(t, "no vars here", expandEnvVars("no vars here"))
	assert.Equal(t, "$TEST_CHAT_A", expandEnvVars("$TEST_CHAT_A"), "bare $VAR is left alone")
}
