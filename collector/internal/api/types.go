package api

import "github.com/vigilrun/vigil/collector/internal/store"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State             string `json:"state"`
	SessionCount      int    `json:"session_count"`
	ConnectedCount    int    `json:"connected_count"`
	DisconnectedCount int    `json:"disconnected_count"`
	ErrorCount        int    `json:"error_count"`
	AlertCount        int    `json:"alert_count"`
}

// SessionResponse is one session in GET /api/v1/sessions or
// GET /api/v1/sessions/{id}.
type SessionResponse struct {
	store.Session
	Diagnostics []DiagnosticHint `json:"diagnostics"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the data of
// every WebSocket broadcast.
type SnapshotResponse struct {
	Sessions    []SessionResponse `json:"sessions"`
	GeneratedAt string            `json:"generated_at"` // RFC3339
}

// CommandRequest is the body of POST /api/v1/sessions/{id}/commands.
type CommandRequest struct {
	Cmd  string `json:"cmd"`
	Args []any  `json:"args"`
}

// CommandResponse acknowledges a queued command.
type CommandResponse struct {
	SessionID string `json:"session_id"`
	Cmd       string `json:"cmd"`
	Queued    bool   `json:"queued"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
