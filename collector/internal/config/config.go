package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one threshold-based alert condition evaluated against
// every session.
type AlertRule struct {
	// Name is the human-readable alert identifier. Together with the session
	// id it is the deduplication key.
	Name string `yaml:"name"`

	// Condition is a simple expression: "heap_mb > 512",
	// "loop_slowest_ms > 250", "reconnects >= 5", "state == disconnected".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | pagerduty | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Default values for the collector configuration.
const (
	DefaultListen         = ":8080"
	DefaultSessionTTL     = 5 * time.Minute
	DefaultCapacity       = 1024
	DefaultStreamInterval = 2 * time.Second
	DefaultCommandRate    = 1.0
	DefaultCommandBurst   = 5
)

// Config holds the collector configuration parsed from the `collector:`
// section of the YAML file. Other top-level keys are ignored so that one file
// can serve both binaries.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
}

// CollectorConfig holds all collector settings.
type CollectorConfig struct {
	// Listen is the address of the HTTP listener serving agents, the REST
	// API, the WebSocket hub and /metrics (default ":8080").
	Listen string `yaml:"listen"`

	// TLS switches the listener to HTTPS when both files are set.
	TLS TLSConfig `yaml:"tls"`

	// Auth protects the REST API and the WebSocket hub.
	Auth AuthConfig `yaml:"auth"`

	// Agents restricts which application keys may open a stream.
	Agents AgentsConfig `yaml:"agents"`

	// Sessions controls in-memory session retention.
	Sessions SessionsConfig `yaml:"sessions"`

	// Stream is the WebSocket broadcast interval (default 2s).
	Stream time.Duration `yaml:"stream_interval"`

	// Commands rate-limits operator commands per session.
	Commands CommandsConfig `yaml:"commands"`

	// Alerts holds rule definitions and webhook delivery targets.
	Alerts AlertsConfig `yaml:"alerts"`

	Log LogConfig `yaml:"log"`
}

// TLSConfig names the certificate and key served to agents.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether both files are configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" && t.KeyFile != "" }

// AuthConfig controls client authentication on the API side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header name to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// AgentsConfig lists the application keys accepted in handshakes. An empty
// list accepts any non-empty key.
type AgentsConfig struct {
	Keys []string `yaml:"keys"`
}

// SessionsConfig controls in-memory session retention.
type SessionsConfig struct {
	// TTL is how long a disconnected session is kept after it was last seen.
	// Default: 5m.
	TTL time.Duration `yaml:"ttl"`

	// Capacity bounds the number of sessions held; the least recently active
	// one is dropped first. Default: 1024.
	Capacity int `yaml:"capacity"`
}

// CommandsConfig is a token bucket applied per session to
// POST /api/v1/sessions/{id}/commands.
type CommandsConfig struct {
	// Rate is the sustained number of commands per second.
	Rate float64 `yaml:"rate"`
	// Burst is the bucket size.
	Burst int `yaml:"burst"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of debug | info | warn | error (default info).
	Level string `yaml:"level"`
	// Format is json or text (default json).
	Format string `yaml:"format"`
}

// SlogLevel maps Level to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Load reads and parses the config file at path. An empty path yields the
// defaults. Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("collector config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("collector config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Collector: CollectorConfig{
			Listen: DefaultListen,
			Sessions: SessionsConfig{
				TTL:      DefaultSessionTTL,
				Capacity: DefaultCapacity,
			},
			Stream: DefaultStreamInterval,
			Commands: CommandsConfig{
				Rate:  DefaultCommandRate,
				Burst: DefaultCommandBurst,
			},
			Log: LogConfig{Level: "info", Format: "json"},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	c := cfg.Collector
	if c.Listen == "" {
		return fmt.Errorf("collector.listen must not be empty")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("collector.tls needs both cert_file and key_file")
	}
	switch c.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("collector.auth.mode %q unknown: want apikey|none", c.Auth.Mode)
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("collector.sessions.ttl must be positive")
	}
	if c.Sessions.Capacity <= 0 {
		return fmt.Errorf("collector.sessions.capacity must be positive")
	}
	if c.Stream <= 0 {
		return fmt.Errorf("collector.stream_interval must be positive")
	}
	if c.Commands.Rate <= 0 || c.Commands.Burst <= 0 {
		return fmt.Errorf("collector.commands rate and burst must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("collector.log.format %q unknown: want json|text", c.Log.Format)
	}
	for i, r := range c.Alerts.Rules {
		if r.Name == "" || r.Condition == "" {
			return fmt.Errorf("collector.alerts.rules[%d] needs a name and a condition", i)
		}
	}
	return nil
}
