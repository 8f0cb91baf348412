package probe

import (
	"context"
	"sync"
	"time"

	"github.com/vigilrun/vigil/agent/internal/sender"
)

// DefaultLoopInterval is used when Options.Interval is zero.
const DefaultLoopInterval = time.Second

// DefaultLoopResolution is how often the lag timer fires.
const DefaultLoopResolution = 10 * time.Millisecond

// LoopStats is the body of a loop payload.
type LoopStats struct {
	Count     int     `json:"count"`
	SlowestMS float64 `json:"slowest_ms"`
	SumMS     float64 `json:"sum_ms"`
}

// LoopReport is the loop channel payload.
type LoopReport struct {
	Loop LoopStats `json:"loop"`
}

// QueueMetric is emitted on the metrics channel next to every loop report.
// Value holds the slowest and the mean lag in milliseconds.
type QueueMetric struct {
	Scope string     `json:"scope"`
	Name  string     `json:"name"`
	Value [2]float64 `json:"value"`
	Unit  string     `json:"unit"`
}

// Loop measures scheduling lag: a fine-grained ticker fires every resolution
// and each delivery is timed against the instant it was due.
type Loop struct {
	e          Emitter
	opts       Options
	resolution time.Duration
	scope      string

	mu    sync.Mutex
	stats LoopStats
}

// NewLoop returns a Loop probe. scope names the process in the queue metric.
func NewLoop(e Emitter, scope string, opts Options) *Loop {
	return &Loop{
		e:          e,
		opts:       opts.withDefaults(DefaultLoopInterval),
		resolution: DefaultLoopResolution,
		scope:      scope,
	}
}

// Observe records one lag sample.
func (p *Loop) Observe(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Count++
	p.stats.SumMS += ms(lag)
	if v := ms(lag); v > p.stats.SlowestMS {
		p.stats.SlowestMS = v
	}
}

// Report emits the stats gathered since the previous report and resets them.
func (p *Loop) Report() {
	p.mu.Lock()
	st := p.stats
	p.stats = LoopStats{}
	p.mu.Unlock()

	emit(p.opts.Logger, p.e, sender.ChannelLoop, LoopReport{Loop: st})

	var mean float64
	if st.Count > 0 {
		mean = st.SumMS / float64(st.Count)
	}
	emit(p.opts.Logger, p.e, sender.ChannelMetrics, QueueMetric{
		Scope: p.scope,
		Name:  "queue",
		Value: [2]float64{st.SlowestMS, mean},
		Unit:  "ms",
	})
}

// Run samples lag until ctx is done, reporting every interval.
func (p *Loop) Run(ctx context.Context) {
	probe := p.opts.Clock.Ticker(p.resolution)
	defer probe.Stop()
	report := p.opts.Clock.Ticker(p.opts.Interval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case due := <-probe.C:
			p.Observe(p.opts.Clock.Since(due))
		case <-report.C:
			p.Report()
		}
	}
}
