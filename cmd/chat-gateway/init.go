// ABOUTME: Interactive config generator for chat-gateway init
// ABOUTME: Prompts for listeners, storage, automation and notifications, then writes YAML

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("chat-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", "127.0.0.1:8080")
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")
	publicURL := prompt(reader, "Public URL (empty to derive)", "")

	fmt.Println("\n--- Storage ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(defaultDataPath, "chat-gateway.db"))
	attachDir := prompt(reader, "Attachment directory", filepath.Join(defaultDataPath, "attachments"))

	fmt.Println("\n--- Automation ---")
	provider := prompt(reader, "Automation provider (scripted/openai/none)", "scripted")
	var apiKeyRef, model string
	if provider == "openai" {
		apiKeyRef = prompt(reader, "OpenAI API key (or ${ENV_VAR})", "${OPENAI_API_KEY}")
		model = prompt(reader, "Model", "gpt-4o-mini")
	}
	quota := prompt(reader, "Automated replies per conversation", "3")
	translate := provider == "openai" && yes(prompt(reader, "Translate between visitor and agent languages?", "no"))

	fmt.Println("\n--- Visitor identity ---")
	var secret string
	if yes(prompt(reader, "Issue signed visitor tokens?", "yes")) {
		s, err := randomSecret()
		if err != nil {
			return err
		}
		secret = s
	}

	fmt.Println("\n--- Notifications ---")
	matrixEnabled := yes(prompt(reader, "Notify a Matrix room?", "no"))
	var homeserver, userID, tokenRef, roomID string
	if matrixEnabled {
		homeserver = prompt(reader, "Homeserver URL", "https://matrix.org")
		userID = prompt(reader, "Bot user id", "")
		tokenRef = prompt(reader, "Access token (or ${ENV_VAR})", "${MATRIX_ACCESS_TOKEN}")
		roomID = prompt(reader, "Room id", "")
	}

	fmt.Println("\n--- Tailscale ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "chat-gateway")
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# chat-gateway configuration\n")
	cfg.WriteString("# Generated by chat-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", httpAddr)
	if grpcAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", grpcAddr)
	}
	if publicURL != "" {
		fmt.Fprintf(&cfg, "  public_url: %q\n", publicURL)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("attachments:\n")
	fmt.Fprintf(&cfg, "  dir: %q\n", attachDir)
	cfg.WriteString("  max_bytes: 10485760\n\n")

	cfg.WriteString("automation:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", provider != "none")
	if provider != "none" {
		fmt.Fprintf(&cfg, "  provider: %q\n", provider)
		fmt.Fprintf(&cfg, "  quota: %s\n", quota)
		cfg.WriteString("  agent_backoff: \"30m\"\n")
		cfg.WriteString("  human_wait: \"10m\"\n")
	}
	if provider == "openai" {
		cfg.WriteString("  openai:\n")
		fmt.Fprintf(&cfg, "    api_key: %q\n", apiKeyRef)
		fmt.Fprintf(&cfg, "    model: %q\n", model)
	}
	cfg.WriteString("\n")

	if translate {
		cfg.WriteString("translation:\n")
		cfg.WriteString("  enabled: true\n")
		cfg.WriteString("  canonical_language: \"en\"\n")
		cfg.WriteString("  provider: \"openai\"\n")
		cfg.WriteString("  openai:\n")
		fmt.Fprintf(&cfg, "    api_key: %q\n", apiKeyRef)
		fmt.Fprintf(&cfg, "    model: %q\n\n", model)
	}

	if secret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  visitor_token_secret: %q\n", secret)
		cfg.WriteString("  token_ttl: \"8760h\"\n\n")
	}

	if matrixEnabled {
		cfg.WriteString("notifications:\n")
		cfg.WriteString("  matrix:\n")
		cfg.WriteString("    enabled: true\n")
		fmt.Fprintf(&cfg, "    homeserver: %q\n", homeserver)
		fmt.Fprintf(&cfg, "    user_id: %q\n", userID)
		fmt.Fprintf(&cfg, "    access_token: %q\n", tokenRef)
		fmt.Fprintf(&cfg, "    room_id: %q\n\n", roomID)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file may hold secrets.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  CHAT_GATEWAY_CONFIG=%s chat-gateway serve\n", outputFile)

	return nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// EOF keeps the default.
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
