// Package config handles configuration loading for chat-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable expansion.
// Omitted settings fall back to the Default* constants; Validate reports the
// first inconsistency.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	automation:
//	  openai:
//	    api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	automation:
//	  agent_backoff: "30m"       # silence automation after an agent message
//	  human_wait: "15m"          # reset the reply quota if no agent answers
//	  notify_suppression: "5m"   # repeat quota notifications at most this often
//	  typing_min: "800ms"
//	  typing_max: "4s"
//	  typing_per_char: "30ms"
//	  provider_timeout: "15s"
//
// agent_backoff and notify_suppression are unrelated windows and are
// configured separately.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # grpc.health.v1 only, optional
//	  public_url: "https://chat.example.com"
//
//	database:
//	  path: "/var/lib/chat-gateway/chat.db"
//
//	translation:
//	  enabled: true
//	  canonical_language: "en"
//	  timeout: "5s"
//
//	usage:
//	  limits:
//	    automation_replies: 1000   # per owner per calendar month
//	    conversations: 500
//
//	notifications:
//	  matrix:
//	    enabled: true
//	    homeserver: "https://matrix.org"
//	    room_id: "!support:matrix.org"
//
//	realtime:
//	  redis:
//	    enabled: true
//	    addr: "localhost:6379"
//
// # Usage
//
//	cfg, err := config.Load("/etc/chat-gateway/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
