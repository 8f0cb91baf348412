package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vigilrun/vigil/agent"
	"github.com/vigilrun/vigil/agent/internal/security"
)

func main() {
	if err := run(); err != nil {
		slog.Error("vigil-agent: fatal", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "YAML config file (optional; vigil.json and VIGIL_* are always read)")
	listen := pflag.String("listen", ":8080", "address of the demo HTTP service")
	workers := pflag.Int("workers", 2, "size of the demo worker pool managed through cluster commands")
	check := pflag.Bool("check-collector", false, "inspect the collector's TLS certificate and exit")
	pflag.Parse()

	loader := agent.Loader{Path: *configPath}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *check {
		return checkCollector(ctx, cfg)
	}

	p := newPool(*workers)
	a, err := agent.New(cfg, agent.Options{Controller: p})
	if err != nil {
		return err
	}
	slog.SetDefault(a.Logger())
	p.onChange = a.NotifyCluster
	defer a.Recover()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	go p.run(ctx)
	if *configPath != "" {
		go func() {
			if err := a.Watch(ctx, loader); err != nil {
				slog.Error("vigil-agent: config watcher stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           a.Middleware(demoMux(a)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("vigil-agent: demo service listening", "addr", *listen)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	slog.Info("vigil-agent: shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	return srv.Shutdown(shutdownCtx)
}

func demoMux(a *agent.Agent) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hello", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "hello")
	})
	mux.HandleFunc("GET /slow", func(w http.ResponseWriter, _ *http.Request) {
		d := time.Duration(50+rand.Intn(450)) * time.Millisecond
		start := time.Now()
		time.Sleep(d)
		a.Sample("db", time.Since(start))
		fmt.Fprintf(w, "slept %s\n", d)
	})
	mux.HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) {
		panic("demo panic")
	})
	return mux
}

func checkCollector(ctx context.Context, cfg *agent.Config) error {
	route, err := security.Resolve(cfg.CollectorEndpoint(), cfg.ProxyEndpoint())
	if err != nil {
		return err
	}
	expected := cfg.Transport.Fingerprint
	if expected == "" {
		expected = security.ExpectedFingerprint
	}
	fmt.Printf("route:       %s\n", route.Describe())
	st := security.Inspect(ctx, route, expected)
	if st == nil {
		fmt.Println("tls:         none (plain http)")
		return nil
	}
	fmt.Printf("endpoint:    %s\n", st.Endpoint)
	fmt.Printf("status:      %s\n", st.Status)
	if st.Status == "unreachable" {
		return fmt.Errorf("collector %s unreachable", st.Endpoint)
	}
	fmt.Printf("issuer:      %s\n", st.Issuer)
	fmt.Printf("expires:     %s (%d days)\n", st.NotAfter.Format(time.RFC3339), st.DaysLeft)
	fmt.Printf("fingerprint: %s (match=%t)\n", st.Fingerprint, st.Match)
	return nil
}
