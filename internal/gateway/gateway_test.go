// ABOUTME: Tests for Gateway construction, lifecycle and health endpoints
// ABOUTME: Runs real listeners on loopback ports and checks HTTP and gRPC health

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/chat-gateway/internal/config"
)

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a config with an in-memory database, instant typing
// and loopback listeners.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Database.Path = ":memory:"
	cfg.Attachments.Dir = t.TempDir()
	cfg.Automation.TypingMin = 0
	cfg.Automation.TypingMax = 0
	cfg.Automation.TypingPerChar = 0
	cfg.Notifications.RetryBackoff = time.Millisecond
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.conversation)
	assert.NotNil(t, gw.notifier)
	assert.NotNil(t, gw.attachments)
	assert.Nil(t, gw.relay, "redis is off by default")
	assert.False(t, gw.tokens.Enabled())
	assert.Equal(t, "http://"+cfg.Server.HTTPAddr, gw.publicURL)
}

func TestGatewayNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Realtime.Redis.Enabled = true
	cfg.Realtime.Redis.Addr = freeAddr(t)

	_, err := New(cfg, testLogger())
	assert.ErrorContains(t, err, "redis")
}

func TestDeterminePublicURL(t *testing.T) {
	cfg := config.Default()
	cfg.Server.PublicURL = "https://chat.example.com/"
	assert.Equal(t, "https://chat.example.com", determinePublicURL(cfg))

	cfg = config.Default()
	cfg.Tailscale.Enabled = true
	cfg.Tailscale.Hostname = "chat"
	cfg.Tailscale.Funnel = true
	t.Setenv("CHAT_GATEWAY_URL", "")
	assert.Equal(t, "https://chat", determinePublicURL(cfg))
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	base := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/health/ready")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", string(body))

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	hc, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: healthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}

func TestRun_WithoutGRPCAddr(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = ""
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	assert.False(t, gw.grpcEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/chat")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/chat", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "chat-gateway")
}
