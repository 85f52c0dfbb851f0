// ABOUTME: Gateway orchestrator that wires the conversation engine to its collaborators
// ABOUTME: Owns the HTTP API, gRPC health server, tailnet listeners and shutdown order

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/chat-gateway/internal/attachment"
	"github.com/2389/chat-gateway/internal/auth"
	"github.com/2389/chat-gateway/internal/automation"
	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/conversation"
	"github.com/2389/chat-gateway/internal/notify"
	"github.com/2389/chat-gateway/internal/realtime"
	"github.com/2389/chat-gateway/internal/store"
	"github.com/2389/chat-gateway/internal/translate"
	"github.com/2389/chat-gateway/internal/usage"
)

// Gateway orchestrates the chat-gateway server components.
type Gateway struct {
	config       *config.Config
	store        *store.SQLiteStore
	conversation *conversation.Service
	grpcServer   *grpc.Server
	health       *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// broadcaster holds this node's subscribers; channel is what the
	// service publishes to (the broadcaster, or the redis relay around it).
	broadcaster *conversation.EventBroadcaster
	channel     conversation.Channel
	relay       *realtime.RedisRelay

	notifier    *notify.Queue
	tokens      *auth.VisitorTokens
	attachments *attachment.LocalStorage

	// publicURL is the externally visible base URL used in notification links.
	publicURL string
}

// initStore opens the SQLite store, honouring CHAT_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHAT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// determinePublicURL resolves the externally visible URL from config or environment.
func determinePublicURL(cfg *config.Config) string {
	if cfg.Server.PublicURL != "" {
		return strings.TrimSuffix(cfg.Server.PublicURL, "/")
	}
	if envURL := os.Getenv("CHAT_GATEWAY_URL"); envURL != "" {
		return strings.TrimSuffix(envURL, "/")
	}
	if !cfg.Tailscale.Enabled {
		return "http://" + cfg.Server.HTTPAddr
	}
	if cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel {
		return "https://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Tailscale.Hostname
}

// determineNodeID names this process for the realtime relay.
func determineNodeID(cfg *config.Config) string {
	if cfg.Server.NodeID != "" {
		return cfg.Server.NodeID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return fmt.Sprintf("chat-gateway-%d", time.Now().UnixNano()%1000000)
}

// createGRPCServer creates the gRPC server that carries grpc.health.v1.
func createGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// buildProvider selects the automation provider. Nil disables automation.
func buildProvider(cfg config.AutomationConfig, logger *slog.Logger) automation.Provider {
	if !cfg.Enabled {
		logger.Info("automation disabled")
		return nil
	}
	switch cfg.Provider {
	case "openai":
		return automation.NewOpenAIProvider(automation.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			Model:        cfg.OpenAI.Model,
			SystemPrompt: cfg.OpenAI.SystemPrompt,
		}, logger.With("component", "openai"))
	default:
		return automation.NewScriptedProvider(cfg.Script)
	}
}

// buildTranslator returns nil when translation is off; a nil service passes
// text through unchanged.
func buildTranslator(cfg config.TranslationConfig, logger *slog.Logger) *translate.Service {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Provider != "openai" {
		logger.Warn("unknown translation provider, translation disabled", "provider", cfg.Provider)
		return nil
	}
	tr := translate.NewOpenAITranslator(translate.OpenAIConfig{
		APIKey:    cfg.OpenAI.APIKey,
		BaseURL:   cfg.OpenAI.BaseURL,
		Model:     cfg.OpenAI.Model,
		Canonical: cfg.CanonicalLanguage,
	})
	return translate.NewService(tr, cfg.CanonicalLanguage, cfg.Timeout, logger)
}

// buildNotifier fans notifications out to the log and, when configured, a
// Matrix room, behind the side-effect queue.
func buildNotifier(cfg config.NotificationsConfig, publicURL string, logger *slog.Logger) (*notify.Queue, error) {
	targets := notify.Multi{notify.NewLogNotifier(logger)}
	if m := cfg.Matrix; m.Enabled {
		mn, err := notify.NewMatrixNotifier(notify.MatrixConfig{
			Homeserver:  m.Homeserver,
			UserID:      m.UserID,
			AccessToken: m.AccessToken,
			RoomID:      m.RoomID,
			PublicURL:   publicURL,
		}, logger)
		if err != nil {
			return nil, err
		}
		targets = append(targets, mn)
		logger.Info("matrix notifications enabled", "room_id", m.RoomID)
	}
	return notify.NewQueue(targets, notify.QueueConfig{
		Size:     cfg.QueueSize,
		Retries:  cfg.Retries,
		Backoff:  cfg.RetryBackoff,
		Coalesce: cfg.Coalesce,
	}, logger), nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger.With("component", "gateway"),
		broadcaster: conversation.NewEventBroadcaster(logger),
		tokens:      auth.NewVisitorTokens(cfg.Auth.VisitorTokenSecret, cfg.Auth.TokenTTL),
		publicURL:   determinePublicURL(cfg),
	}
	gw.channel = gw.broadcaster

	if err := gw.initCollaborators(logger); err != nil {
		if gw.notifier != nil {
			_ = gw.notifier.Close(context.Background())
		}
		gw.closeComponents()
		return nil, err
	}

	gw.conversation = conversation.New(conversation.Options{
		Store:    s,
		Channel:  gw.channel,
		Provider: buildProvider(cfg.Automation, logger),
		Policy: automation.Policy{
			Quota:             cfg.Automation.Quota,
			AgentBackoff:      cfg.Automation.AgentBackoff,
			HumanWait:         cfg.Automation.HumanWait,
			NotifySuppression: cfg.Automation.NotifySuppression,
		},
		Typing: automation.Typing{
			Min:     cfg.Automation.TypingMin,
			Max:     cfg.Automation.TypingMax,
			PerChar: cfg.Automation.TypingPerChar,
		},
		ProviderTimeout:         cfg.Automation.ProviderTimeout,
		Translator:              buildTranslator(cfg.Translation, logger),
		Notifier:                gw.notifier,
		Usage:                   usage.NewLimiter(s, cfg.Usage.Limits, logger),
		HoldingMessage:          cfg.Automation.HoldingMessage,
		EscalationMessage:       cfg.Automation.EscalationMessage,
		EscalationRepeatMessage: cfg.Automation.EscalationRepeatMessage,
	}, logger)

	gw.grpcServer = createGRPCServer()
	gw.health = registerHealth(gw.grpcServer)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(mux)
	if base := gw.attachments.PublicBase(); strings.HasPrefix(base, "/") {
		mux.Handle("GET "+base, gw.attachments.Handler())
	}

	if !gw.tokens.Enabled() {
		gw.logger.Warn("visitor tokens disabled - no auth.visitor_token_secret configured")
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Ends SSE and WebSocket streams so Shutdown does not wait on them.
	gw.httpServer.RegisterOnShutdown(gw.broadcaster.Close)

	return gw, nil
}

// initCollaborators builds the notification queue, attachment storage and
// optional redis relay.
func (g *Gateway) initCollaborators(logger *slog.Logger) error {
	cfg := g.config

	q, err := buildNotifier(cfg.Notifications, g.publicURL, logger)
	if err != nil {
		return err
	}
	g.notifier = q

	st, err := attachment.NewLocalStorage(cfg.Attachments.Dir, cfg.Attachments.PublicBase, cfg.Attachments.MaxBytes, logger)
	if err != nil {
		return err
	}
	g.attachments = st

	if r := cfg.Realtime.Redis; r.Enabled {
		relay, err := realtime.NewRedisRelay(context.Background(), g.broadcaster, realtime.RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Channel:  r.Channel,
			NodeID:   determineNodeID(cfg),
		}, logger)
		if err != nil {
			return err
		}
		g.relay = relay
		g.channel = relay
	}
	return nil
}

// grpcEnabled reports whether a gRPC listener is wanted.
func (g *Gateway) grpcEnabled() bool {
	return g.config.Tailscale.Enabled || g.config.Server.GRPCAddr != ""
}

// setupTCPListeners creates standard TCP listeners for HTTP and, if
// configured, gRPC health.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcEnabled() {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
// A nil grpcLn leaves the gRPC server idle.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	setServing(g.health, true)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "chat-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents closes components that may be nil when New failed part way.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.relay != nil {
		errs = appendCloseError(errs, "redis relay close", g.relay.Close())
	}
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown stops the servers, then drains pending notifications before the
// store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	setServing(g.health, false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.notifier != nil {
		errs = appendCloseError(errs, "notification drain", g.notifier.Close(ctx))
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// Handler returns the HTTP handler Run serves, for embedding the API in
// another server or in tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
