package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigilrun/vigil/agent/internal/security"
	"github.com/vigilrun/vigil/pkg/wire"
)

// Default values applied when fields are absent from every config source.
const (
	DefaultFlushInterval         = time.Second
	DefaultCallCountsInterval    = 60 * time.Second
	DefaultClusterStatusInterval = 5 * time.Second
	DefaultReconnectDelay        = 500 * time.Millisecond
	DefaultQueueLimit            = 10000
	DefaultBufferLimit           = 10000
)

// Config is the agent configuration after the cascade has been applied.
type Config struct {
	// Key is the account key sent in the handshake.
	Key string `yaml:"key"`

	// AppName identifies the application on the collector.
	AppName string `yaml:"app_name"`

	// Hostname defaults to os.Hostname().
	Hostname string `yaml:"hostname"`

	// Environment selects collector defaults and intervals:
	// prod | staging | dev | test.
	Environment string `yaml:"environment"`

	// Endpoint is the collector. A URL string or a mapping; missing host or
	// port fall back to the environment's collector.
	Endpoint *EndpointConfig `yaml:"endpoint"`

	// Proxy, when set, receives all traffic.
	Proxy *EndpointConfig `yaml:"proxy"`

	Transport TransportConfig `yaml:"transport"`
	Intervals Intervals       `yaml:"intervals"`

	// BufferLimit bounds each append channel buffer; 0 means unbounded.
	BufferLimit int `yaml:"buffer_limit"`

	// Sources are Prometheus endpoints scraped into the metrics channel.
	Sources []Source `yaml:"sources"`

	Log LogConfig `yaml:"log"`

	// Quiet raises the log level to warn.
	Quiet bool `yaml:"quiet"`

	// Env is the resolved environment table entry.
	Env Environment `yaml:"-"`
}

// TransportConfig tunes the collector connection.
type TransportConfig struct {
	// Format is the frame format: json | cbor.
	Format string `yaml:"format"`

	// ReconnectDelay is the fixed pause before reconnecting.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// QueueLimit bounds sends held while not connected; 0 means unbounded.
	QueueLimit int `yaml:"queue_limit"`

	// Fingerprint overrides the expected collector certificate fingerprint.
	Fingerprint string `yaml:"fingerprint"`
}

// Intervals holds collection periods. Zero values are filled from the
// environment table.
type Intervals struct {
	Flush         time.Duration `yaml:"flush"`
	Collect       time.Duration `yaml:"collect"`
	Metrics       time.Duration `yaml:"metrics"`
	Tiers         time.Duration `yaml:"tiers"`
	Loop          time.Duration `yaml:"loop"`
	CallCounts    time.Duration `yaml:"call_counts"`
	ClusterStatus time.Duration `yaml:"cluster_status"`
}

// Source describes one Prometheus endpoint to scrape.
type Source struct {
	// ID is a unique, human-readable identifier used as the metric scope.
	ID string `yaml:"id"`

	// Type is the source type. Only prometheus is supported.
	Type string `yaml:"type"`

	// Endpoint is the full URL of the metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	// Auth configures how the agent authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for a source.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// API key fields, used when Mode == "apikey".
	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// TokenEnv holds the bearer token, used when Mode == "bearer".
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields, used when Mode == "basic".
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format is one of: json | text.
	Format string `yaml:"format"`
}

// SlogLevel returns the configured level, raised to warn when Quiet is set.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		lvl = slog.LevelInfo
	}
	if c.Quiet && lvl < slog.LevelWarn {
		lvl = slog.LevelWarn
	}
	return lvl
}

// EndpointConfig is an endpoint as written in a config file: either a URL
// string (http://, https://, https+noauth://) or a mapping. In a mapping,
// secure and reject_unauthorized default to true.
type EndpointConfig struct {
	Host               string   `yaml:"host" json:"host"`
	Port               int      `yaml:"port" json:"port"`
	Secure             *bool    `yaml:"secure" json:"secure"`
	RejectUnauthorized *bool    `yaml:"reject_unauthorized" json:"rejectUnauthorized"`
	CA                 []string `yaml:"ca" json:"ca"`
	Ciphers            string   `yaml:"ciphers" json:"ciphers"`
}

// ParseEndpoint parses a URL-form endpoint.
func ParseEndpoint(raw string) (*EndpointConfig, error) {
	ep, err := security.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	return &EndpointConfig{
		Host:               ep.Host,
		Port:               ep.Port,
		Secure:             &ep.Secure,
		RejectUnauthorized: &ep.RejectUnauthorized,
	}, nil
}

func (e *EndpointConfig) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		var s string
		if err := n.Decode(&s); err != nil {
			return err
		}
		parsed, err := ParseEndpoint(s)
		if err != nil {
			return err
		}
		*e = *parsed
		return nil
	}
	type plain EndpointConfig
	return n.Decode((*plain)(e))
}

func (e *EndpointConfig) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParseEndpoint(s)
		if err != nil {
			return err
		}
		*e = *parsed
		return nil
	}
	type plain EndpointConfig
	return json.Unmarshal(b, (*plain)(e))
}

// Resolve converts e to a security.Endpoint, filling a missing host or
// port from the environment's collector for the chosen scheme.
func (e *EndpointConfig) Resolve(env Environment) security.Endpoint {
	ep := security.Endpoint{Secure: true, RejectUnauthorized: true}
	if e != nil {
		ep.Host, ep.Port, ep.CA, ep.Ciphers = e.Host, e.Port, e.CA, e.Ciphers
		if e.Secure != nil {
			ep.Secure = *e.Secure
		}
		if e.RejectUnauthorized != nil {
			ep.RejectUnauthorized = *e.RejectUnauthorized
		}
	}
	def := env.HTTP
	if ep.Secure {
		def = env.HTTPS
	}
	if ep.Host == "" {
		ep.Host = def.Host
	}
	if ep.Port == 0 {
		ep.Port = def.Port
	}
	return ep
}

// CollectorEndpoint returns the resolved collector endpoint.
func (c *Config) CollectorEndpoint() security.Endpoint {
	return c.Endpoint.Resolve(c.Env)
}

// ProxyEndpoint returns the resolved proxy endpoint, or nil.
func (c *Config) ProxyEndpoint() *security.Endpoint {
	if c.Proxy == nil {
		return nil
	}
	ep := c.Proxy.Resolve(Environment{})
	ep = ep.WithDefaultPort()
	return &ep
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Transport: TransportConfig{
			Format:         string(wire.FormatJSON),
			ReconnectDelay: DefaultReconnectDelay,
			QueueLimit:     DefaultQueueLimit,
		},
		Intervals: Intervals{
			Flush:         DefaultFlushInterval,
			CallCounts:    DefaultCallCountsInterval,
			ClusterStatus: DefaultClusterStatusInterval,
		},
		BufferLimit: DefaultBufferLimit,
		Log:         LogConfig{Level: "info", Format: "json"},
	}
}

// applyEnvironment fills the fields that default per environment.
func (c *Config) applyEnvironment(env Environment) {
	c.Env = env
	c.Environment = env.Name
	iv := &c.Intervals
	for _, f := range []struct {
		dst *time.Duration
		def time.Duration
	}{
		{&iv.Collect, env.CollectInterval},
		{&iv.Metrics, env.MetricsInterval},
		{&iv.Tiers, env.TiersInterval},
		{&iv.Loop, env.LoopInterval},
	} {
		if *f.dst == 0 {
			*f.dst = f.def
		}
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Key == "" {
		return fmt.Errorf("key is required")
	}
	if cfg.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if _, err := wire.ParseFormat(cfg.Transport.Format); err != nil {
		return fmt.Errorf("transport.format: %w", err)
	}
	if cfg.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("transport.reconnect_delay must be positive")
	}
	if cfg.Transport.QueueLimit < 0 {
		return fmt.Errorf("transport.queue_limit must not be negative")
	}
	if cfg.BufferLimit < 0 {
		return fmt.Errorf("buffer_limit must not be negative")
	}
	iv := cfg.Intervals
	for name, d := range map[string]time.Duration{
		"flush": iv.Flush, "collect": iv.Collect, "metrics": iv.Metrics, "tiers": iv.Tiers,
		"loop": iv.Loop, "call_counts": iv.CallCounts, "cluster_status": iv.ClusterStatus,
	} {
		if d <= 0 {
			return fmt.Errorf("intervals.%s must be positive", name)
		}
	}
	for _, ep := range []*EndpointConfig{cfg.Endpoint, cfg.Proxy} {
		if ep == nil {
			continue
		}
		if _, err := security.ParseCiphers(ep.Ciphers); err != nil {
			return err
		}
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	for i, src := range cfg.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		switch src.Type {
		case "prometheus", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		switch src.Auth.Mode {
		case "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}
