package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vigilrun/vigil/agent/internal/compute"
	"github.com/vigilrun/vigil/agent/internal/config"
	"github.com/vigilrun/vigil/agent/internal/control"
	"github.com/vigilrun/vigil/agent/internal/crash"
	"github.com/vigilrun/vigil/agent/internal/probe"
	"github.com/vigilrun/vigil/agent/internal/scraper"
	"github.com/vigilrun/vigil/agent/internal/sender"
	"github.com/vigilrun/vigil/agent/internal/transport"
	"github.com/vigilrun/vigil/pkg/wire"
)

// Version is sent to the collector in every handshake.
const Version = "0.4.0"

type (
	// Config is the agent configuration.
	Config = config.Config
	// Loader runs the configuration cascade and can watch for edits.
	Loader = config.Loader
	// Controller lets the collector manage the host's worker pool.
	Controller = control.Controller
	// ClusterStatus is what a Controller reports.
	ClusterStatus = control.ClusterStatus
	// Worker is one process in a ClusterStatus.
	Worker = control.Worker
	// State is the collector connection state.
	State = transport.State
)

// Channel names accepted by Emit.
const (
	ChannelInfo          = sender.ChannelInfo
	ChannelMetrics       = sender.ChannelMetrics
	ChannelTiers         = sender.ChannelTiers
	ChannelLoopbackTiers = sender.ChannelLoopbackTiers
	ChannelLoop          = sender.ChannelLoop
	ChannelCallCounts    = sender.ChannelCallCounts
)

// ErrStarted is returned by Start on an agent that already ran.
var ErrStarted = errors.New("agent: already started")

// LoadConfig runs the configuration cascade with path as the YAML file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Options carries what cannot come from a config file. All fields are
// optional.
type Options struct {
	// Controller receives cluster commands. Without one the collector is
	// told clustering is disabled.
	Controller Controller

	// Logger replaces the logger built from the config's log section.
	// Reload then no longer changes the level.
	Logger *slog.Logger

	// LogOutput receives the built logger's output. Defaults to os.Stderr.
	LogOutput io.Writer

	// Registry is scraped into the metrics channel. Defaults to a fresh
	// registry with the Go and process collectors.
	Registry *prometheus.Registry

	Clock clock.Clock
}

// Agent is one instrumented process. Its methods are safe for concurrent
// use.
type Agent struct {
	cfg   *Config
	level *slog.LevelVar
	log   *slog.Logger
	reg   *prometheus.Registry
	clk   clock.Clock

	transport *transport.Transport
	sender    *sender.Sender
	info      *probe.Info
	loop      *probe.Loop
	counts    *probe.CallCounter
	tiers     *probe.Tiers
	loopback  *probe.Tiers
	metrics   *metricsLoop
	profiler  *control.Profiler
	cluster   *control.Cluster
	crash     *crash.Reporter

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	unregister []func()
}

// New builds an Agent from cfg. Nothing is dialed until Start.
func New(cfg *Config, opts Options) (*Agent, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	level := new(slog.LevelVar)
	level.Set(cfg.SlogLevel())
	logger := opts.Logger
	if logger == nil {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		logger = newLogger(out, cfg.Log.Format, level)
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	format, err := wire.ParseFormat(cfg.Transport.Format)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	tr, err := transport.New(transport.Options{
		Collector: cfg.CollectorEndpoint(),
		Proxy:     cfg.ProxyEndpoint(),
		Handshake: wire.Handshake{
			AgentVersion: Version,
			AppName:      cfg.AppName,
			Hostname:     cfg.Hostname,
			Key:          cfg.Key,
			PID:          os.Getpid(),
		},
		Format:         format,
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		QueueLimit:     cfg.Transport.QueueLimit,
		Fingerprint:    cfg.Transport.Fingerprint,
		Clock:          opts.Clock,
		Logger:         logger,
		Registerer:     reg,
	})
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	bufferLimit := cfg.BufferLimit
	if bufferLimit == 0 {
		bufferLimit = -1
	}
	snd := sender.New(tr, sender.Options{
		Interval:        cfg.Intervals.Flush,
		BufferLimit:     bufferLimit,
		Clock:           opts.Clock,
		Logger:          logger,
		ErrDisconnected: transport.ErrDisconnected,
	})

	every := func(d time.Duration) probe.Options {
		return probe.Options{Clock: opts.Clock, Interval: d, Logger: logger}
	}
	scope := fmt.Sprintf("%s[%d]", cfg.Hostname, os.Getpid())

	scrapers := []scraper.Scraper{scraper.NewGatherer(scope, reg)}
	for _, src := range cfg.Sources {
		s, err := scraper.New(src)
		if err != nil {
			return nil, fmt.Errorf("agent: source %q: %w", src.ID, err)
		}
		scrapers = append(scrapers, s)
	}

	a := &Agent{
		cfg:       cfg,
		level:     level,
		log:       logger,
		reg:       reg,
		clk:       opts.Clock,
		transport: tr,
		sender:    snd,
		info:      probe.NewInfo(snd, every(cfg.Intervals.Collect)),
		loop:      probe.NewLoop(snd, scope, every(cfg.Intervals.Loop)),
		counts:    probe.NewCallCounter(snd, every(cfg.Intervals.CallCounts)),
		tiers:     probe.NewTiers(sender.ChannelTiers, snd, every(cfg.Intervals.Tiers)),
		loopback:  probe.NewTiers(sender.ChannelLoopbackTiers, snd, every(cfg.Intervals.Tiers)),
		metrics: &metricsLoop{
			scrapers: scrapers,
			engine:   compute.NewEngine(),
			sender:   snd,
			clk:      opts.Clock,
			interval: cfg.Intervals.Metrics,
			log:      logger,
		},
		profiler: control.NewProfiler(tr, logger),
		cluster: control.NewCluster(tr, opts.Controller, control.ClusterOptions{
			Clock:    opts.Clock,
			Interval: cfg.Intervals.ClusterStatus,
			Logger:   logger,
		}),
		crash: crash.New(tr, crash.Options{Clock: opts.Clock, Logger: logger}),
	}
	return a, nil
}

// Start connects to the collector and launches the probes. They run until
// ctx is done or Stop is called.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrStarted
	}
	a.started = true

	ctx, a.cancel = context.WithCancel(ctx)
	a.unregister = []func(){a.profiler.Register(), a.cluster.Register()}

	a.log.Info("agent: starting",
		"app", a.cfg.AppName,
		"env", a.cfg.Environment,
		"collector", a.transport.Route().Describe(),
		"sources", len(a.cfg.Sources),
	)
	a.transport.Connect()

	for _, run := range []func(context.Context){
		a.sender.Run,
		a.info.Run,
		a.loop.Run,
		a.counts.Run,
		a.tiers.Run,
		a.loopback.Run,
		a.metrics.run,
		a.cluster.Run,
	} {
		a.wg.Add(1)
		go func(run func(context.Context)) {
			defer a.wg.Done()
			run(ctx)
		}(run)
	}
	return nil
}

// Stop halts the probes and disconnects. Payloads still buffered are
// dropped; a stopped Agent cannot be restarted.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel, unregister := a.cancel, a.unregister
	a.cancel, a.unregister = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	for _, fn := range unregister {
		fn()
	}
	a.profiler.Close()
	a.transport.Disconnect()
	a.log.Info("agent: stopped")
}

// Emit buffers payload on channel for the next flush.
func (a *Agent) Emit(channel string, payload any) error {
	return a.sender.Emit(channel, payload)
}

// Metric emits one custom value on the metrics channel.
func (a *Agent) Metric(scope, name string, value float64, unit string) error {
	return a.sender.Emit(sender.ChannelMetrics, compute.Value{Scope: scope, Name: name, Value: value, Unit: unit})
}

// Instances sends the host's instance statistics to the collector right
// away, bypassing the flush buffers.
func (a *Agent) Instances(stats any) error {
	return a.transport.Send(wire.CmdInstances, stats)
}

// TopCalls sends a top-calls update (slowest or most frequent call sites)
// to the collector right away.
func (a *Agent) TopCalls(update any) error {
	return a.transport.Send(wire.CmdTopCalls, update)
}

// Sample records one operation of the given code: its duration goes to the
// tiers summary and it counts towards callCounts.
func (a *Agent) Sample(code string, d time.Duration) {
	a.tiers.Sample(code, d)
	a.counts.Sample(code)
}

// SampleLoopback records a call the process made to itself.
func (a *Agent) SampleLoopback(code string, d time.Duration) {
	a.loopback.Sample(code, d)
}

// Middleware instruments an HTTP handler: requests are timed into the http
// tier and counted, and panics are reported before they propagate.
func (a *Agent) Middleware(next http.Handler) http.Handler {
	return a.crash.Middleware(probe.Middleware(a.tiers, a.counts)(next))
}

// Recover reports a panic in progress and re-panics. Defer it at the top of
// main and of long-lived goroutines.
func (a *Agent) Recover() {
	p := recover()
	if p == nil {
		return
	}
	a.crash.Report(crash.TypeTopLevel, p, debug.Stack(), "")
	panic(p)
}

// NotifyCluster pushes a fresh cluster status, e.g. after a worker exits.
func (a *Agent) NotifyCluster() { a.cluster.Notify() }

// State is the current collector connection state.
func (a *Agent) State() State { return a.transport.State() }

// SessionID is the id the collector issued, or "" before the first
// handshake.
func (a *Agent) SessionID() string { return a.transport.SessionID() }

// Registry is the Prometheus registry scraped into the metrics channel.
// Register application collectors on it.
func (a *Agent) Registry() *prometheus.Registry { return a.reg }

// Logger is the agent's logger.
func (a *Agent) Logger() *slog.Logger { return a.log }

// Reload applies the parts of cfg that can change at runtime: the log level
// and quiet mode.
func (a *Agent) Reload(cfg *Config) {
	prev := a.level.Level()
	a.level.Set(cfg.SlogLevel())
	a.log.Info("agent: config reloaded", "level", a.level.Level(), "previous", prev)
}

// Watch reloads the agent whenever l's YAML file changes, until ctx is done.
func (a *Agent) Watch(ctx context.Context, l Loader) error {
	return l.Watch(ctx, a.Reload)
}
