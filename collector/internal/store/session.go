package store

import (
	"time"

	"github.com/vigilrun/vigil/pkg/wire"
)

// State is the connection state of a session as seen by the collector.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// MaxErrors and MaxProfiles bound the per-session history lists.
const (
	MaxErrors   = 20
	MaxProfiles = 10
)

// Identity is what an agent tells about itself in its handshake.
type Identity struct {
	AppName      string `json:"app_name"`
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
	PID          int    `json:"pid"`
}

// Profile records a finished profile received from an agent. The profile
// bytes themselves are not kept.
type Profile struct {
	Kind string    `json:"kind"`
	Row  string    `json:"row,omitempty"`
	Size int       `json:"size"`
	At   time.Time `json:"at"`
}

// Session is a point-in-time copy of what the collector knows about one
// agent process. Values returned by the Store are never shared with it.
type Session struct {
	ID string `json:"id"`
	Identity

	State       State     `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	Reconnects  int       `json:"reconnects"`

	// Updates holds the latest value of every top-level key received in an
	// update frame (heap_mb, loop, tiers, ...).
	Updates map[string]any `json:"updates"`

	// Metrics holds the latest value per metric name.
	Metrics map[string]any `json:"metrics"`

	// Frames counts inbound frames per command name.
	Frames map[string]int64 `json:"frames"`

	Errors     []wire.ErrorReport `json:"errors"`
	ErrorCount int                `json:"error_count"`

	Cluster   map[string]any  `json:"cluster,omitempty"`
	Profiling map[string]bool `json:"profiling"`
	Profiles  []Profile       `json:"profiles"`
}

func newSession(id string) Session {
	return Session{
		ID:        id,
		Updates:   make(map[string]any),
		Metrics:   make(map[string]any),
		Frames:    make(map[string]int64),
		Errors:    []wire.ErrorReport{},
		Profiling: make(map[string]bool),
		Profiles:  []Profile{},
	}
}

// clone copies the maps and slices of s. Map values are replaced, never
// mutated, once stored, so a shallow copy of each map is enough.
func (s Session) clone() Session {
	out := s
	out.Updates = copyMap(s.Updates)
	out.Metrics = copyMap(s.Metrics)
	out.Frames = make(map[string]int64, len(s.Frames))
	for k, v := range s.Frames {
		out.Frames[k] = v
	}
	out.Errors = append([]wire.ErrorReport{}, s.Errors...)
	if s.Cluster != nil {
		out.Cluster = copyMap(s.Cluster)
	}
	out.Profiling = make(map[string]bool, len(s.Profiling))
	for k, v := range s.Profiling {
		out.Profiling[k] = v
	}
	out.Profiles = append([]Profile{}, s.Profiles...)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// apply folds one inbound command into s.
func (s *Session) apply(cmd wire.Command, now time.Time) {
	s.Frames[cmd.Name]++
	s.LastSeen = now

	switch cmd.Name {
	case wire.CmdUpdate:
		s.applyUpdate(cmd.Args.Value(0))

	case wire.CmdInstances, wire.CmdTopCalls:
		s.Updates[cmd.Name] = cmd.Args.Value(0)

	case wire.CmdReportError:
		m, _ := cmd.Args.Value(0).(map[string]any)
		s.ErrorCount++
		s.Errors = append(s.Errors, errorReport(m))
		if len(s.Errors) > MaxErrors {
			s.Errors = s.Errors[len(s.Errors)-MaxErrors:]
		}

	case wire.CmdClusterStatus:
		if m, ok := cmd.Args.Value(0).(map[string]any); ok {
			s.Cluster = m
		}

	case wire.CmdProfileStart:
		if kind, ok := cmd.Args.String(0); ok {
			s.Profiling[kind] = true
		}

	case wire.CmdProfileStop:
		kind, ok := cmd.Args.String(0)
		if !ok {
			return
		}
		s.Profiling[kind] = false
		if data, ok := cmd.Args.Value(1).(string); ok {
			s.addProfile(Profile{Kind: kind, Size: len(data), At: now})
		}

	case wire.CmdProfileRun:
		s.Profiling["cpu"] = false
		row, _ := cmd.Args.String(0)
		data, _ := cmd.Args.Value(1).(string)
		s.addProfile(Profile{Kind: "cpu", Row: row, Size: len(data), At: now})
	}
}

// applyUpdate stores an update payload. A map is merged by top-level key; a
// list (an append channel flush) is walked item by item, metric items going
// to Metrics.
func (s *Session) applyUpdate(v any) {
	switch p := v.(type) {
	case map[string]any:
		s.merge(p)
	case []any:
		for _, item := range p {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := metricName(m); ok {
				s.Metrics[name] = m["value"]
				continue
			}
			s.merge(m)
		}
	}
}

func (s *Session) merge(m map[string]any) {
	for k, v := range m {
		s.Updates[k] = v
	}
}

func (s *Session) addProfile(p Profile) {
	s.Profiles = append(s.Profiles, p)
	if len(s.Profiles) > MaxProfiles {
		s.Profiles = s.Profiles[len(s.Profiles)-MaxProfiles:]
	}
}

// metricName recognizes a {scope, name, value} metric item.
func metricName(m map[string]any) (string, bool) {
	name, ok := m["name"].(string)
	if !ok || name == "" {
		return "", false
	}
	if _, ok := m["value"]; !ok {
		return "", false
	}
	if _, ok := m["scope"]; !ok {
		return "", false
	}
	return name, true
}

func errorReport(m map[string]any) wire.ErrorReport {
	var r wire.ErrorReport
	r.ID, _ = m["id"].(string)
	r.Type, _ = m["type"].(string)
	r.Stack, _ = m["stack"].(string)
	r.Command, _ = m["command"].(string)
	if ts, ok := (wire.Args{m["ts"]}).Int(0); ok {
		r.TS = int64(ts)
	}
	return r
}
