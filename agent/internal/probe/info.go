package probe

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/vigilrun/vigil/agent/internal/sender"
)

// DefaultInfoInterval is used when Options.Interval is zero.
const DefaultInfoInterval = 60 * time.Second

// Snapshot is the info channel payload.
type Snapshot struct {
	PID        int     `json:"pid"`
	GoVersion  string  `json:"go_version"`
	GOOS       string  `json:"goos"`
	GOARCH     string  `json:"goarch"`
	GOMAXPROCS int     `json:"gomaxprocs"`
	NumCPU     int     `json:"num_cpu"`
	Goroutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
	HeapSysMB  float64 `json:"heap_sys_mb"`
	NumGC      uint32  `json:"num_gc"`
	UptimeSec  float64 `json:"uptime_sec"`
}

// Info emits a runtime Snapshot every interval.
type Info struct {
	e       Emitter
	opts    Options
	started time.Time
}

// NewInfo returns an Info probe; uptime counts from now.
func NewInfo(e Emitter, opts Options) *Info {
	opts = opts.withDefaults(DefaultInfoInterval)
	return &Info{e: e, opts: opts, started: opts.Clock.Now()}
}

// Snapshot reads the runtime counters.
func (p *Info) Snapshot() Snapshot {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Snapshot{
		PID:        os.Getpid(),
		GoVersion:  runtime.Version(),
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     float64(m.HeapAlloc) / 1e6,
		HeapSysMB:  float64(m.HeapSys) / 1e6,
		NumGC:      m.NumGC,
		UptimeSec:  p.opts.Clock.Since(p.started).Seconds(),
	}
}

// Run emits one snapshot immediately and then one per interval.
func (p *Info) Run(ctx context.Context) {
	emit(p.opts.Logger, p.e, sender.ChannelInfo, p.Snapshot())
	every(ctx, p.opts.Clock, p.opts.Interval, func() {
		emit(p.opts.Logger, p.e, sender.ChannelInfo, p.Snapshot())
	})
}
