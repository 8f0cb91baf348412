package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	// Only the agent section; collector section absent.
	p := writeConfig(t, `agent:
  app_name: shop
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := cfg.Collector
	if c.Listen != DefaultListen {
		t.Errorf("listen: got %q, want %q", c.Listen, DefaultListen)
	}
	if c.Sessions.TTL != DefaultSessionTTL {
		t.Errorf("sessions.ttl: got %v, want %v", c.Sessions.TTL, DefaultSessionTTL)
	}
	if c.Sessions.Capacity != DefaultCapacity {
		t.Errorf("sessions.capacity: got %d, want %d", c.Sessions.Capacity, DefaultCapacity)
	}
	if c.Stream != DefaultStreamInterval {
		t.Errorf("stream_interval: got %v, want %v", c.Stream, DefaultStreamInterval)
	}
	if c.TLS.Enabled() {
		t.Error("tls: expected disabled by default")
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collector.Commands.Burst != DefaultCommandBurst {
		t.Errorf("commands.burst: got %d, want %d", cfg.Collector.Commands.Burst, DefaultCommandBurst)
	}
}

func TestLoad_FullCollector(t *testing.T) {
	p := writeConfig(t, `collector:
  listen: ":9443"
  tls:
    cert_file: /etc/vigil/tls.crt
    key_file: /etc/vigil/tls.key
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-vigil-key
  agents:
    keys: [k-1, k-2]
  sessions:
    ttl: 10m
    capacity: 50
  stream_interval: 500ms
  commands:
    rate: 0.5
    burst: 2
  log:
    level: debug
    format: text
  alerts:
    rules:
      - name: heap
        condition: "heap_mb > 512"
        severity: warning
        cooldown: 1m
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c := cfg.Collector
	if c.Listen != ":9443" {
		t.Errorf("listen: got %q, want :9443", c.Listen)
	}
	if !c.TLS.Enabled() {
		t.Error("tls: expected enabled")
	}
	if c.Auth.EffectiveHeader() != "x-vigil-key" {
		t.Errorf("header: got %q, want x-vigil-key", c.Auth.EffectiveHeader())
	}
	if len(c.Agents.Keys) != 2 {
		t.Errorf("agents.keys: got %v, want 2 keys", c.Agents.Keys)
	}
	if c.Sessions.TTL != 10*time.Minute || c.Sessions.Capacity != 50 {
		t.Errorf("sessions: got %+v", c.Sessions)
	}
	if c.Stream != 500*time.Millisecond {
		t.Errorf("stream_interval: got %v, want 500ms", c.Stream)
	}
	if c.Commands.Rate != 0.5 || c.Commands.Burst != 2 {
		t.Errorf("commands: got %+v", c.Commands)
	}
	if c.Log.SlogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %v, want debug", c.Log.SlogLevel())
	}
	if len(c.Alerts.Rules) != 1 || c.Alerts.Rules[0].Cooldown != time.Minute {
		t.Errorf("alerts: got %+v", c.Alerts.Rules)
	}
}

func TestLoad_DefaultHeader(t *testing.T) {
	p := writeConfig(t, `collector:
  auth:
    mode: apikey
    key_env: K
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h := cfg.Collector.Auth.EffectiveHeader(); h != "x-api-key" {
		t.Errorf("EffectiveHeader: got %q, want x-api-key", h)
	}
}

func TestLoad_KeyEnvResolution(t *testing.T) {
	t.Setenv("TEST_COLLECTOR_KEY", "supersecret")
	p := writeConfig(t, `collector:
  auth:
    mode: apikey
    key_env: TEST_COLLECTOR_KEY
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Collector.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown auth mode": `collector:
  auth:
    mode: oauth2
`,
		"half tls": `collector:
  tls:
    cert_file: a.crt
`,
		"zero capacity": `collector:
  sessions:
    capacity: 0
`,
		"negative ttl": `collector:
  sessions:
    ttl: -1m
`,
		"bad log format": `collector:
  log:
    format: xml
`,
		"rule without condition": `collector:
  alerts:
    rules:
      - name: heap
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestWebhookURL(t *testing.T) {
	t.Setenv("TEST_HOOK_URL", "https://hooks.example.com/x")
	w := WebhookConfig{Type: "slack", URLEnv: "TEST_HOOK_URL"}
	if got := w.URL(); got != "https://hooks.example.com/x" {
		t.Errorf("URL(): got %q", got)
	}
	if got := (WebhookConfig{}).URL(); got != "" {
		t.Errorf("URL() without env: got %q, want empty", got)
	}
}
