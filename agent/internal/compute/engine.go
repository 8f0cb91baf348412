package compute

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigilrun/vigil/agent/internal/scraper"
)

// uptimeWindow is the number of recent scrape outcomes tracked for uptime %.
const uptimeWindow = 20

// UptimeName is the value reported for each source's recent scrape success.
const UptimeName = "scrape_uptime_pct"

// Value is one entry on the metrics channel.
type Value struct {
	Scope string  `json:"scope"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Result is the derived snapshot for one source.
type Result struct {
	SourceID     string
	Timestamp    time.Time
	UptimePct    float64
	Values       []Value
	ErrorMessage string // non-empty when the scrape failed
}

// Engine maintains per-source state across scrape cycles and derives
// per-minute rates from counter deltas.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	mu     sync.Mutex
	states map[string]*sourceState
}

// NewEngine returns a ready-to-use Engine.
func NewEngine() *Engine {
	return &Engine{states: make(map[string]*sourceState)}
}

// Process ingests a ScrapeResult and returns derived values.
//
// now is passed explicitly so callers (and tests) control the clock without
// sleeping.
//
// Gauges always pass through. Counters need a baseline: the first successful
// scrape of a source only records it, later scrapes report delta/elapsed in
// items per minute. A failed scrape reports only the uptime value and does
// not move the baseline.
func (e *Engine) Process(res *scraper.ScrapeResult, now time.Time) *Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(res.SourceID)
	success := res.Err == nil
	st.recordScrape(success)

	out := &Result{
		SourceID:  res.SourceID,
		Timestamp: now,
		UptimePct: st.uptimePct(),
	}

	if !success {
		slog.Warn("compute: scrape failed", "source", res.SourceID, "err", res.Err)
		out.ErrorMessage = res.Err.Error()
		out.Values = append(out.Values, Value{Scope: res.SourceID, Name: UptimeName, Value: out.UptimePct, Unit: "%"})
		return out
	}

	elapsed := now.Sub(st.prevTime).Minutes()
	if elapsed <= 0 {
		elapsed = 1 // guard against zero or negative clock drift
	}

	for _, s := range res.Samples {
		switch s.Kind {
		case scraper.Gauge:
			out.Values = append(out.Values, Value{
				Scope: res.SourceID,
				Name:  s.Name,
				Value: s.Value,
				Unit:  unitOf(s.Name),
			})
		case scraper.Counter:
			prev, ok := st.prev[s.Name]
			if !st.hasBaseline || !ok {
				continue
			}
			out.Values = append(out.Values, Value{
				Scope: res.SourceID,
				Name:  s.Name,
				Value: deltaOf(s.Value, prev) / elapsed,
				Unit:  rateUnit(s.Name),
			})
		}
	}
	out.Values = append(out.Values, Value{Scope: res.SourceID, Name: UptimeName, Value: out.UptimePct, Unit: "%"})

	st.updateBaseline(res, now)
	return out
}

// Forget drops the baseline for a source, e.g. after it is removed from the
// config.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, id)
}

// sourceState holds per-source counters and uptime history.
type sourceState struct {
	prev        map[string]float64
	prevTime    time.Time
	hasBaseline bool
	history     []bool // circular buffer of scrape outcomes, newest last
}

func (e *Engine) stateFor(id string) *sourceState {
	if st, ok := e.states[id]; ok {
		return st
	}
	st := &sourceState{}
	e.states[id] = st
	return st
}

func (st *sourceState) updateBaseline(res *scraper.ScrapeResult, now time.Time) {
	prev := make(map[string]float64, len(res.Samples))
	for _, s := range res.Samples {
		if s.Kind == scraper.Counter {
			prev[s.Name] = s.Value
		}
	}
	st.prev = prev
	st.prevTime = now
	st.hasBaseline = true
}

func (st *sourceState) recordScrape(success bool) {
	if len(st.history) >= uptimeWindow {
		st.history = st.history[1:]
	}
	st.history = append(st.history, success)
}

func (st *sourceState) uptimePct() float64 {
	if len(st.history) == 0 {
		return 100 // assume up before first observation
	}
	var ok int
	for _, s := range st.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(st.history)) * 100
}

// deltaOf returns the positive counter delta between current and previous.
// If current < previous (counter reset after restart), returns 0.
func deltaOf(current, previous float64) float64 {
	d := current - previous
	if d < 0 {
		return 0
	}
	return d
}

// unitOf infers a unit from Prometheus naming conventions.
func unitOf(name string) string {
	if i := strings.IndexByte(name, '{'); i >= 0 {
		name = name[:i]
	}
	if strings.HasSuffix(name, "_count") {
		return ""
	}
	name = strings.TrimSuffix(strings.TrimSuffix(name, "_total"), "_sum")
	switch {
	case strings.HasSuffix(name, "_bytes"):
		return "bytes"
	case strings.HasSuffix(name, "_seconds"):
		return "seconds"
	case strings.HasSuffix(name, "_ratio"):
		return "ratio"
	}
	return ""
}

func rateUnit(name string) string {
	if u := unitOf(name); u != "" {
		return u + "/min"
	}
	return "/min"
}
