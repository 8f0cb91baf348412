package api

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vigilrun/vigil/collector/internal/store"
	"github.com/vigilrun/vigil/pkg/wire"
)

// Thresholds for session hints.
const (
	loopWarnMs     = 50
	loopCriticalMs = 200
	heapWarnMB     = 1024
	flappingAfter  = 5
	errorsCritical = 10
)

// DiagnosticHint is one human-readable insight about a session.
// The UI displays these as chips on the session card; clicking one shows
// Detail, a plain-English explanation of the problem.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier (used for dedup/ordering).
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label shown on the chip (5 words at most).
	Title string `json:"title"`
	// Detail is the full explanation shown on click/hover.
	Detail string `json:"detail"`
	// Value is an optional numeric value associated with this hint (e.g. lag in ms).
	Value *float64 `json:"value,omitempty"`
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2, "ok": 3}

// computeDiagnostics derives human-readable diagnostic hints from a session.
// Diagnostics are ordered: critical first, then warnings, then info.
func computeDiagnostics(s store.Session, now time.Time) []DiagnosticHint {
	var hints []DiagnosticHint

	// Disconnected
	if s.State == store.StateDisconnected {
		ago := now.Sub(s.LastSeen).Round(time.Second)
		hints = append(hints, DiagnosticHint{
			Key:   "disconnected",
			Level: "critical",
			Title: "Agent disconnected",
			Detail: fmt.Sprintf(
				"The agent of %s on %s (pid %d) closed its stream %s ago and has not come back. "+
					"Either the process exited or it cannot reach the collector. "+
					"A reconnecting agent resumes this session; if the process restarted it shows up as a new one.",
				s.AppName, s.Hostname, s.PID, ago,
			),
		})
	}

	// Warming up
	if s.Frames["update"] == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "warming_up",
			Level: "info",
			Title: "Warming up",
			Detail: "The agent is connected but has not flushed any data yet. " +
				"Buffered channels are sent on the agent's flush interval, " +
				"so values show up within a few seconds. No action needed.",
		})
	}

	// Reported errors
	if s.ErrorCount > 0 {
		v := float64(s.ErrorCount)
		level := "warning"
		if s.ErrorCount >= errorsCritical {
			level = "critical"
		}
		var last wire.ErrorReport
		if len(s.Errors) > 0 {
			last = s.Errors[len(s.Errors)-1]
		}
		first, _, _ := strings.Cut(last.Stack, "\n")
		hints = append(hints, DiagnosticHint{
			Key:   "errors",
			Level: level,
			Title: fmt.Sprintf("%d errors reported", s.ErrorCount),
			Detail: fmt.Sprintf(
				"The process reported %d uncaught errors since this session started. "+
					"The latest one (%s) reads: %q. "+
					"The full stacks of the most recent reports are on the session detail.",
				s.ErrorCount, last.Type, first,
			),
			Value: &v,
		})
	}

	// Scheduler lag
	if lag, ok := s.Number("loop_slowest_ms"); ok && lag >= loopWarnMs {
		v := lag
		level := "warning"
		if lag >= loopCriticalMs {
			level = "critical"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "loop_lag",
			Level: level,
			Title: fmt.Sprintf("%.0f ms scheduler lag", lag),
			Detail: fmt.Sprintf(
				"A timer that should fire every few milliseconds was late by up to %.0f ms in the last interval. "+
					"The process is CPU bound or starved: look for busy loops, long GC pauses or a GOMAXPROCS "+
					"lower than the work needs. A CPU profile from the session actions shows where time goes.",
				lag,
			),
			Value: &v,
		})
	}

	// Heap
	if heap, ok := s.Number("heap_mb"); ok && heap >= heapWarnMB {
		v := heap
		hints = append(hints, DiagnosticHint{
			Key:   "heap",
			Level: "warning",
			Title: fmt.Sprintf("%.0f MB heap", heap),
			Detail: fmt.Sprintf(
				"The Go heap holds %.0f MB of live objects. If it keeps growing between updates, "+
					"take a memory profile and compare two snapshots to find the leak.",
				heap,
			),
			Value: &v,
		})
	}

	// Flapping
	if s.Reconnects >= flappingAfter {
		v := float64(s.Reconnects)
		hints = append(hints, DiagnosticHint{
			Key:   "flapping",
			Level: "warning",
			Title: "Flapping connection",
			Detail: fmt.Sprintf(
				"This session reconnected %d times. The agent resumes and replays what it buffered, "+
					"but every gap delays commands. Check proxies or load balancers with short idle timeouts "+
					"between the agent and the collector.",
				s.Reconnects,
			),
			Value: &v,
		})
	}

	// Profiling in progress
	for _, kind := range []string{"cpu", "memory"} {
		if s.Profiling[kind] {
			hints = append(hints, DiagnosticHint{
				Key:    "profiling_" + kind,
				Level:  "info",
				Title:  fmt.Sprintf("%s profile running", kind),
				Detail: fmt.Sprintf("A %s profile was started on this process. Send the matching stop command to collect it.", kind),
			})
		}
	}

	// All clear
	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:   "healthy",
			Level: "ok",
			Title: "All clear",
			Detail: "The agent is connected and reporting. No errors, no scheduler lag " +
				"and the connection is stable.",
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}
