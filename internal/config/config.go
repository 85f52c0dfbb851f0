// ABOUTME: Configuration loading and parsing for chat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/chat-gateway/internal/automation"
)

// Config represents the complete chat-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Automation    AutomationConfig    `yaml:"automation"`
	Translation   TranslationConfig   `yaml:"translation"`
	Usage         UsageConfig         `yaml:"usage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Attachments   AttachmentsConfig   `yaml:"attachments"`
}

// AuthConfig holds visitor token configuration.
// An empty secret disables visitor tokens entirely.
type AuthConfig struct {
	VisitorTokenSecret string        `yaml:"visitor_token_secret"`
	TokenTTL           time.Duration `yaml:"-"`
	TokenTTLRaw        string        `yaml:"token_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS with tailnet-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves grpc.health.v1 only. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
	// PublicURL is the externally visible base URL, used in notification links.
	PublicURL string `yaml:"public_url"`
	// NodeID identifies this process to the realtime relay. Defaults to the hostname.
	NodeID string `yaml:"node_id"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AutomationConfig controls when and how automated replies are produced.
type AutomationConfig struct {
	Enabled bool `yaml:"enabled"`
	// Quota is the number of automated replies allowed before a human must take over.
	Quota int `yaml:"quota"`
	// Provider selects the reply source: "openai" or "scripted".
	Provider string       `yaml:"provider"`
	OpenAI   OpenAIConfig `yaml:"openai"`
	// Script is the reply list used by the scripted provider.
	Script []string `yaml:"script"`

	// Texts sent by the engine when automation holds or escalates.
	HoldingMessage          string `yaml:"holding_message"`
	EscalationMessage       string `yaml:"escalation_message"`
	EscalationRepeatMessage string `yaml:"escalation_repeat_message"`

	AgentBackoff      time.Duration `yaml:"-"`
	HumanWait         time.Duration `yaml:"-"`
	NotifySuppression time.Duration `yaml:"-"`
	TypingMin         time.Duration `yaml:"-"`
	TypingMax         time.Duration `yaml:"-"`
	TypingPerChar     time.Duration `yaml:"-"`
	ProviderTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AgentBackoffRaw      string `yaml:"agent_backoff"`
	HumanWaitRaw         string `yaml:"human_wait"`
	NotifySuppressionRaw string `yaml:"notify_suppression"`
	TypingMinRaw         string `yaml:"typing_min"`
	TypingMaxRaw         string `yaml:"typing_max"`
	TypingPerCharRaw     string `yaml:"typing_per_char"`
	ProviderTimeoutRaw   string `yaml:"provider_timeout"`
}

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
}

// TranslationConfig controls inbound/outbound machine translation.
type TranslationConfig struct {
	Enabled bool `yaml:"enabled"`
	// CanonicalLanguage is the language agents and automation work in.
	CanonicalLanguage string       `yaml:"canonical_language"`
	Provider          string       `yaml:"provider"`
	OpenAI            OpenAIConfig `yaml:"openai"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// UsageConfig holds per-feature monthly limits. Zero or missing means unlimited.
type UsageConfig struct {
	Limits map[string]int64 `yaml:"limits"`
}

// NotificationsConfig configures the notification side-effect queue and transports.
type NotificationsConfig struct {
	QueueSize int                `yaml:"queue_size"`
	Retries   int                `yaml:"retries"`
	Matrix    MatrixNotifyConfig `yaml:"matrix"`

	RetryBackoff    time.Duration `yaml:"-"`
	RetryBackoffRaw string        `yaml:"retry_backoff"`

	// Coalesce merges routine new-message alerts for one conversation.
	Coalesce    time.Duration `yaml:"-"`
	CoalesceRaw string        `yaml:"coalesce"`
}

// MatrixNotifyConfig holds the Matrix room notifications are posted to.
type MatrixNotifyConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

// RealtimeConfig configures cross-node fan-out. Without Redis every node is standalone.
type RealtimeConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis connection used by the realtime relay.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// AttachmentsConfig configures local attachment storage.
type AttachmentsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
	// PublicBase prefixes stored file names in attachment URLs.
	PublicBase string `yaml:"public_base"`
}

// Defaults for settings that may be omitted from the file. The automation
// gate's windows and quota default to the automation package's values.
const (
	DefaultTypingMin        = 800 * time.Millisecond
	DefaultTypingMax        = 4 * time.Second
	DefaultTypingPerChar    = 30 * time.Millisecond
	DefaultProviderTimeout  = 15 * time.Second
	DefaultTranslateTimeout = 5 * time.Second
	DefaultQueueSize        = 256
	DefaultRetries          = 3
	DefaultRetryBackoff     = 2 * time.Second
	// Routine alerts coalesce over the window that suppresses repeated quota
	// notifications.
	DefaultCoalesce      = automation.DefaultNotifySuppression
	DefaultTokenTTL      = 90 * 24 * time.Hour
	DefaultMaxAttachment = 10 << 20
	DefaultRedisChannel  = "chat-gateway:events"
)

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
		},
		Database: DatabaseConfig{
			Path: "./data/chat-gateway.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Automation: AutomationConfig{
			Enabled:  true,
			Provider: "scripted",
			Script:   []string{"Thanks for your message! Someone from our team will be with you shortly."},
		},
		Translation: TranslationConfig{
			CanonicalLanguage: "en",
		},
		Attachments: AttachmentsConfig{
			Dir:        "./data/attachments",
			PublicBase: "/files/",
		},
	}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Logging.Format != "" && c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}

	if err := c.Automation.validate(); err != nil {
		return err
	}

	if c.Translation.Enabled {
		if c.Translation.CanonicalLanguage == "" {
			return fmt.Errorf("translation.canonical_language is required when translation is enabled")
		}
		if c.Translation.Provider == "openai" && c.Translation.OpenAI.APIKey == "" {
			return fmt.Errorf("translation.openai.api_key is required for the openai provider")
		}
	}

	for feature, limit := range c.Usage.Limits {
		if limit < 0 {
			return fmt.Errorf("usage.limits.%s must not be negative", feature)
		}
	}

	if m := c.Notifications.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "" {
			return fmt.Errorf("notifications.matrix requires homeserver, user_id, access_token and room_id")
		}
	}

	if c.Realtime.Redis.Enabled && c.Realtime.Redis.Addr == "" {
		return fmt.Errorf("realtime.redis.addr is required when redis is enabled")
	}

	if c.Attachments.MaxBytes < 0 {
		return fmt.Errorf("attachments.max_bytes must not be negative")
	}

	return nil
}

func (a *AutomationConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Quota < 0 {
		return fmt.Errorf("automation.quota must not be negative")
	}
	switch a.Provider {
	case "openai":
		if a.OpenAI.APIKey == "" {
			return fmt.Errorf("automation.openai.api_key is required for the openai provider")
		}
	case "scripted":
		if len(a.Script) == 0 {
			return fmt.Errorf("automation.script must list at least one reply for the scripted provider")
		}
	default:
		return fmt.Errorf("automation.provider must be openai or scripted, got %q", a.Provider)
	}
	if a.TypingMax < a.TypingMin {
		return fmt.Errorf("automation.typing_max (%s) must not be below typing_min (%s)", a.TypingMax, a.TypingMin)
	}
	return nil
}

// durationField binds a raw YAML string to its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func durationFields(cfg *Config) []durationField {
	a := &cfg.Automation
	return []durationField{
		{"automation.agent_backoff", a.AgentBackoffRaw, &a.AgentBackoff},
		{"automation.human_wait", a.HumanWaitRaw, &a.HumanWait},
		{"automation.notify_suppression", a.NotifySuppressionRaw, &a.NotifySuppression},
		{"automation.typing_min", a.TypingMinRaw, &a.TypingMin},
		{"automation.typing_max", a.TypingMaxRaw, &a.TypingMax},
		{"automation.typing_per_char", a.TypingPerCharRaw, &a.TypingPerChar},
		{"automation.provider_timeout", a.ProviderTimeoutRaw, &a.ProviderTimeout},
		{"translation.timeout", cfg.Translation.TimeoutRaw, &cfg.Translation.Timeout},
		{"notifications.retry_backoff", cfg.Notifications.RetryBackoffRaw, &cfg.Notifications.RetryBackoff},
		{"notifications.coalesce", cfg.Notifications.CoalesceRaw, &cfg.Notifications.Coalesce},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, f := range durationFields(cfg) {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults fills zero values with their documented defaults.
func applyDefaults(cfg *Config) {
	a := &cfg.Automation
	if a.Quota == 0 {
		a.Quota = automation.DefaultQuota
	}
	if a.Provider == "" {
		a.Provider = "scripted"
	}
	setDuration(&a.AgentBackoff, automation.DefaultAgentBackoff)
	setDuration(&a.HumanWait, automation.DefaultHumanWait)
	setDuration(&a.NotifySuppression, automation.DefaultNotifySuppression)
	setDuration(&a.TypingMin, DefaultTypingMin)
	setDuration(&a.TypingMax, DefaultTypingMax)
	setDuration(&a.TypingPerChar, DefaultTypingPerChar)
	setDuration(&a.ProviderTimeout, DefaultProviderTimeout)

	t := &cfg.Translation
	if t.CanonicalLanguage == "" {
		t.CanonicalLanguage = "en"
	}
	t.CanonicalLanguage = strings.ToLower(t.CanonicalLanguage)
	if t.Provider == "" {
		t.Provider = "openai"
	}
	setDuration(&t.Timeout, DefaultTranslateTimeout)

	n := &cfg.Notifications
	if n.QueueSize <= 0 {
		n.QueueSize = DefaultQueueSize
	}
	if n.Retries <= 0 {
		n.Retries = DefaultRetries
	}
	setDuration(&n.RetryBackoff, DefaultRetryBackoff)
	setDuration(&n.Coalesce, DefaultCoalesce)

	setDuration(&cfg.Auth.TokenTTL, DefaultTokenTTL)

	if cfg.Attachments.MaxBytes == 0 {
		cfg.Attachments.MaxBytes = DefaultMaxAttachment
	}
	if cfg.Attachments.PublicBase == "" {
		cfg.Attachments.PublicBase = "/files/"
	}
	if cfg.Realtime.Redis.Channel == "" {
		cfg.Realtime.Redis.Channel = DefaultRedisChannel
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}
