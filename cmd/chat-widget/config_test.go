package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(`
[gateway]
url = "http://localhost:8080"
widget_key = "w1"
`)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Polling.ExtraCycles)
	assert.Zero(t, cfg.Polling.Interval)
	assert.True(t, cfg.Polling.RealtimeEnabled())
	assert.False(t, cfg.Session.Persist)
}

func TestParse_PollingAndEnv(t *testing.T) {
	t.Setenv("WIDGET_KEY", "from-env")
	cfg, err := Parse(`
[gateway]
url = "https://chat.example.com"
widget_key = "${WIDGET_KEY}"

[visitor]
name = "Ada"
language = "fr"

[polling]
interval = "5s"
typing_debounce = "1500ms"
extra_cycles = 0
realtime = false
`)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.WidgetKey)
	assert.Equal(t, "Ada", cfg.Visitor.Name)
	assert.Equal(t, 5*time.Second, cfg.Polling.Interval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Polling.TypingDebounce)
	assert.Equal(t, 0, cfg.Polling.ExtraCycles)
	assert.False(t, cfg.Polling.RealtimeEnabled())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"missing url", "[gateway]\nwidget_key = \"w\"\n", "gateway.url is required"},
		{"bad scheme", "[gateway]\nurl = \"ftp://x\"\nwidget_key = \"w\"\n", "http or https"},
		{"missing key", "[gateway]\nurl = \"http://x\"\n", "widget_key is required"},
		{"unknown key", "[gateway]\nurl = \"http://x\"\nwidget_key = \"w\"\ncolour = \"red\"\n", "unknown config keys: gateway.colour"},
		{"bad duration", "[gateway]\nurl = \"http://x\"\nwidget_key = \"w\"\n[polling]\ninterval = \"soon\"\n", "polling.interval"},
		{"negative duration", "[gateway]\nurl = \"http://x\"\nwidget_key = \"w\"\n[polling]\ninterval = \"-1s\"\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOpenSession_Persist(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		Gateway: GatewayConfig{URL: "http://x", WidgetKey: "w1"},
		Session: SessionConfig{DataDir: dir, Persist: true},
	}

	s, err := openSession(cfg)
	require.NoError(t, err)
	vid, err := s.VisitorID()
	require.NoError(t, err)
	require.NoError(t, s.SetConversationID("c1"))

	again, err := openSession(cfg)
	require.NoError(t, err)
	vid2, err := again.VisitorID()
	require.NoError(t, err)
	assert.Equal(t, vid, vid2)
	assert.Equal(t, "c1", again.ConversationID())

	cfg.Session.Persist = false
	ephemeral, err := openSession(cfg)
	require.NoError(t, err)
	assert.Empty(t, ephemeral.ConversationID())
	vid3, err := ephemeral.VisitorID()
	require.NoError(t, err)
	assert.Equal(t, vid, vid3)
}
