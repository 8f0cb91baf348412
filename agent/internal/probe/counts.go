package probe

import (
	"context"
	"sync"
	"time"

	"github.com/vigilrun/vigil/agent/internal/sender"
)

// DefaultCallCountsInterval is used when Options.Interval is zero.
const DefaultCallCountsInterval = 60 * time.Second

// Meter is one call code in a callCounts payload.
type Meter struct {
	Count int64   `json:"count"`
	Rate  float64 `json:"rate"` // calls per second over the interval
}

// CallCounter meters calls per code and emits the counts every interval.
type CallCounter struct {
	e    Emitter
	opts Options

	mu     sync.Mutex
	counts map[string]int64
}

// NewCallCounter returns a CallCounter.
func NewCallCounter(e Emitter, opts Options) *CallCounter {
	return &CallCounter{
		e:      e,
		opts:   opts.withDefaults(DefaultCallCountsInterval),
		counts: make(map[string]int64),
	}
}

// Sample marks one call for code.
func (c *CallCounter) Sample(code string) {
	c.mu.Lock()
	c.counts[code]++
	c.mu.Unlock()
}

// Report emits and resets the counts. Nothing is sent for an idle interval.
func (c *CallCounter) Report() {
	c.mu.Lock()
	counts := c.counts
	c.counts = make(map[string]int64, len(counts))
	c.mu.Unlock()

	if len(counts) == 0 {
		return
	}
	secs := c.opts.Interval.Seconds()
	out := make(map[string]Meter, len(counts))
	for code, n := range counts {
		out[code] = Meter{Count: n, Rate: float64(n) / secs}
	}
	emit(c.opts.Logger, c.e, sender.ChannelCallCounts, out)
}

// Run reports every interval until ctx is done.
func (c *CallCounter) Run(ctx context.Context) {
	every(ctx, c.opts.Clock, c.opts.Interval, c.Report)
}
