// ABOUTME: Configuration loading for the chat-widget terminal client
// ABOUTME: TOML from the XDG config path with ${VAR} expansion and duration strings

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Visitor VisitorConfig `toml:"visitor"`
	Session SessionConfig `toml:"session"`
	Polling PollingConfig `toml:"polling"`
	Logging LoggingConfig `toml:"logging"`
}

type GatewayConfig struct {
	URL       string `toml:"url"`
	WidgetKey string `toml:"widget_key"`
}

type VisitorConfig struct {
	Name     string `toml:"name"`
	Email    string `toml:"email"`
	Phone    string `toml:"phone"`
	Country  string `toml:"country"`
	Language string `toml:"language"`
}

type SessionConfig struct {
	// DataDir holds the durable visitor file. Defaults to the XDG data dir.
	DataDir string `toml:"data_dir"`
	// Persist keeps the active conversation across runs, like a tab that
	// survives reloads. Off means only the visitor identity survives.
	Persist bool `toml:"persist"`
}

type PollingConfig struct {
	IntervalRaw       string `toml:"interval"`
	TypingDebounceRaw string `toml:"typing_debounce"`
	ExtraCycles       int    `toml:"extra_cycles"`
	Realtime          *bool  `toml:"realtime"`

	Interval       time.Duration `toml:"-"`
	TypingDebounce time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// RealtimeEnabled defaults to true when unset.
func (p PollingConfig) RealtimeEnabled() bool {
	return p.Realtime == nil || *p.Realtime
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML document.
func Parse(doc string) (*Config, error) {
	cfg := Config{
		Polling: PollingConfig{ExtraCycles: -1},
	}
	md, err := toml.Decode(expandEnvVars(doc), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	if cfg.Polling.Interval, err = parseDuration("polling.interval", cfg.Polling.IntervalRaw); err != nil {
		return nil, err
	}
	if cfg.Polling.TypingDebounce, err = parseDuration("polling.typing_debounce", cfg.Polling.TypingDebounceRaw); err != nil {
		return nil, err
	}
	if cfg.Polling.ExtraCycles < 0 {
		cfg.Polling.ExtraCycles = 3
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use http or https scheme")
	}
	if c.Gateway.WidgetKey == "" {
		return fmt.Errorf("gateway.widget_key is required")
	}
	return nil
}
