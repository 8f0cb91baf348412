// Package api implements the HTTP REST API of the collector.
//
// New(store, opts) returns an http.Handler that serves:
//
//	GET  /api/v1/health                  session counts and overall state
//	GET  /api/v1/sessions                all live sessions ([]SessionResponse)
//	GET  /api/v1/sessions/{id}           single session; 404 if unknown
//	POST /api/v1/sessions/{id}/commands  queue {cmd, args} for the agent
//	GET  /api/v1/alerts                  firing and recently resolved alerts
//	GET  /api/v1/snapshot                all live sessions + generated_at
//
// The commands endpoint answers 202 once the command is queued, 400 for an
// unknown command, 404 for an unknown session, 409 when the session has no
// live stream, 429 when the per-session rate limit is exceeded and 503 when
// the session's outbound queue is full.
//
// Every session carries diagnostics: plain-English hints derived from its
// state (disconnected, reported errors, scheduler lag, heap, flapping).
//
// All endpoints respond with Content-Type: application/json and return 405
// for other methods. No external HTTP framework is used.
package api
