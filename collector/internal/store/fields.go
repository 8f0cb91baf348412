package store

import "github.com/vigilrun/vigil/pkg/wire"

// Number returns a numeric session field by name. Known fields:
//
//	heap_mb, heap_sys_mb, goroutines, uptime_sec   latest info update
//	loop_slowest_ms, loop_count, loop_mean_ms     latest loop update
//	error_count, reconnects                       collector counters
//
// Any other name is looked up in Metrics.
func (s Session) Number(field string) (float64, bool) {
	switch field {
	case "error_count":
		return float64(s.ErrorCount), true
	case "reconnects":
		return float64(s.Reconnects), true
	case "loop_slowest_ms":
		return s.loopField("slowest_ms")
	case "loop_count":
		return s.loopField("count")
	case "loop_mean_ms":
		sum, ok := s.loopField("sum_ms")
		if !ok {
			return 0, false
		}
		n, ok := s.loopField("count")
		if !ok || n == 0 {
			return 0, false
		}
		return sum / n, true
	case "heap_mb", "heap_sys_mb", "goroutines", "uptime_sec":
		return toFloat(s.Updates[field])
	}
	return toFloat(s.Metrics[field])
}

// Text returns a string session field by name: state, app_name or hostname.
func (s Session) Text(field string) (string, bool) {
	switch field {
	case "state":
		return string(s.State), true
	case "app_name":
		return s.AppName, true
	case "hostname":
		return s.Hostname, true
	}
	return "", false
}

func (s Session) loopField(name string) (float64, bool) {
	loop, ok := s.Updates["loop"].(map[string]any)
	if !ok {
		return 0, false
	}
	return toFloat(loop[name])
}

func toFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return wire.Args{v}.Float(0)
}
