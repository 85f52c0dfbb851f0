// ABOUTME: Shared helpers for widget tests
// ABOUTME: Runs a real gateway handler over httptest with an in-memory store

package widget

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/gateway"
	"github.com/2389/chat-gateway/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway serves a gateway with instant automation and returns its URL.
func newTestGateway(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.Server.GRPCAddr = ""
	cfg.Database.Path = ":memory:"
	cfg.Attachments.Dir = t.TempDir()
	cfg.Automation.TypingMin = 0
	cfg.Automation.TypingMax = 0
	cfg.Automation.TypingPerChar = 0
	cfg.Notifications.RetryBackoff = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// post sends an agent-side request straight to the gateway.
func post(t *testing.T, baseURL, path string, body any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Less(t, resp.StatusCode, 300, "POST %s returned %d", path, resp.StatusCode)
}

func agentSay(t *testing.T, baseURL, conversationID, content string) {
	t.Helper()
	post(t, baseURL, "/api/conversations/"+conversationID+"/messages", map[string]any{
		"role":     store.RoleAgent,
		"actor_id": "agent-1",
		"content":  content,
	})
}

func newTestSession() *Session {
	return NewSession(NewMemoryKV(), NewMemoryKV())
}

func contents(msgs []*store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
