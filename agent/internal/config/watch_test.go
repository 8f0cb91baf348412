package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	l := isolated(t, nil)
	l.Path = writeFile(t, t.TempDir(), "c.yaml", "key: k\napp_name: a\nquiet: false\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	errc := make(chan error, 1)
	go func() { errc <- l.Watch(ctx, func(c *Config) { changes <- c }) }()

	// Rewrite until the watcher picks it up; the first write may land
	// before the watch is registered.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case c := <-changes:
			if !c.Quiet {
				t.Errorf("quiet: got false after reload")
			}
			cancel()
			if err := <-errc; err != nil {
				t.Errorf("Watch returned %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(l.Path, []byte("key: k\napp_name: a\nquiet: true\n"), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatch_InvalidReloadKeepsPrevious(t *testing.T) {
	l := isolated(t, nil)
	l.Path = writeFile(t, t.TempDir(), "c.yaml", "key: k\napp_name: a\n")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	called := false
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(l.Path, []byte("key: [unterminated\n"), 0o600)
	}()
	if err := l.Watch(ctx, func(*Config) { called = true }); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if called {
		t.Error("onChange must not run for an invalid file")
	}
}
