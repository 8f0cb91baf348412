package probe

import (
	"context"
	"sync"
	"time"
)

// DefaultTiersInterval is used when Options.Interval is zero.
const DefaultTiersInterval = 60 * time.Second

// Summary describes the durations seen for one code, in milliseconds.
type Summary struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
}

type summaryAcc struct {
	count         int64
	min, max, sum float64
}

// Tiers summarises durations per code and emits them every interval under
// its channel name (tiers or loopback_tiers).
type Tiers struct {
	channel string
	e       Emitter
	opts    Options

	mu   sync.Mutex
	accs map[string]*summaryAcc
}

// NewTiers returns a Tiers probe emitting on channel.
func NewTiers(channel string, e Emitter, opts Options) *Tiers {
	return &Tiers{
		channel: channel,
		e:       e,
		opts:    opts.withDefaults(DefaultTiersInterval),
		accs:    make(map[string]*summaryAcc),
	}
}

// Sample records one duration for code.
func (t *Tiers) Sample(code string, d time.Duration) {
	v := ms(d)
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accs[code]
	if !ok {
		t.accs[code] = &summaryAcc{count: 1, min: v, max: v, sum: v}
		return
	}
	a.count++
	a.sum += v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
}

// Report emits {channel: {code: Summary}} and resets. Idle intervals send
// nothing.
func (t *Tiers) Report() {
	t.mu.Lock()
	accs := t.accs
	t.accs = make(map[string]*summaryAcc, len(accs))
	t.mu.Unlock()

	if len(accs) == 0 {
		return
	}
	out := make(map[string]Summary, len(accs))
	for code, a := range accs {
		out[code] = Summary{Count: a.count, Min: a.min, Max: a.max, Mean: a.sum / float64(a.count)}
	}
	emit(t.opts.Logger, t.e, t.channel, map[string]map[string]Summary{t.channel: out})
}

// Run reports every interval until ctx is done.
func (t *Tiers) Run(ctx context.Context) {
	every(ctx, t.opts.Clock, t.opts.Interval, t.Report)
}
