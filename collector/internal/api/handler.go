package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/vigilrun/vigil/collector/internal/alerts"
	"github.com/vigilrun/vigil/collector/internal/store"
	"github.com/vigilrun/vigil/pkg/wire"
)

// maxCommandBody bounds POST /api/v1/sessions/{id}/commands bodies.
const maxCommandBody = 64 << 10

// operatorCommands lists the commands an operator may push to an agent.
var operatorCommands = map[string]bool{
	wire.CmdCPUStart:          true,
	wire.CmdCPUStop:           true,
	wire.CmdMemoryStart:       true,
	wire.CmdMemoryStop:        true,
	wire.CmdClusterResize:     true,
	wire.CmdClusterRestartAll: true,
	wire.CmdClusterTerminate:  true,
	wire.CmdClusterShutdown:   true,
}

// AlertSource supplies the alert list. *alerts.Engine implements it.
type AlertSource interface {
	Active() []*alerts.Alert
	Firing() int
}

// Options configures the optional parts of a Handler.
type Options struct {
	// Alerts backs GET /api/v1/alerts. Nil serves an empty list.
	Alerts AlertSource

	// CommandRate and CommandBurst shape the per-session token bucket of
	// the commands endpoint. Zero values allow one command per second with
	// a burst of five.
	CommandRate  rate.Limit
	CommandBurst int

	// Registerer receives the API metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
// It reads session state from the store and returns JSON responses.
type Handler struct {
	store  *store.Store
	alerts AlertSource
	mux    *http.ServeMux
	now    func() time.Time

	limitMu  sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int

	commands *prometheus.CounterVec
}

// New creates a Handler wired to the given session store and registers all routes.
func New(st *store.Store, opts Options) http.Handler {
	h := &Handler{
		store:  st,
		alerts: opts.Alerts,
		mux:    http.NewServeMux(),
		now:    time.Now,
		rate:   opts.CommandRate,
		burst:  opts.CommandBurst,
		commands: promauto.With(opts.Registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil", Subsystem: "collector", Name: "api_commands_total",
			Help: "Operator commands submitted through the API, by result.",
		}, []string{"result"}),
	}
	if h.rate <= 0 {
		h.rate = 1
	}
	if h.burst <= 0 {
		h.burst = 5
	}
	h.limiters, _ = lru.New[string, *rate.Limiter](4096)

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/sessions", h.listSessions)
	h.mux.HandleFunc("/api/v1/sessions/{id}", h.getSession)
	h.mux.HandleFunc("/api/v1/sessions/{id}/commands", h.postCommand)
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: session counts and an overall state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sessions := h.store.List()
	resp := HealthResponse{SessionCount: len(sessions)}
	if h.alerts != nil {
		resp.AlertCount = h.alerts.Firing()
	}

	if len(sessions) == 0 {
		resp.State = "unknown"
		jsonResp(w, http.StatusOK, resp)
		return
	}

	for _, s := range sessions {
		switch s.State {
		case store.StateConnected:
			resp.ConnectedCount++
		default:
			resp.DisconnectedCount++
		}
		resp.ErrorCount += s.ErrorCount
	}

	resp.State = "healthy"
	if resp.DisconnectedCount > 0 || resp.AlertCount > 0 {
		resp.State = "degraded"
	}
	jsonResp(w, http.StatusOK, resp)
}

// listSessions returns GET /api/v1/sessions: all live sessions.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.sessions())
}

// getSession returns GET /api/v1/sessions/{id}: a single session.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		jsonErr(w, http.StatusNotFound, "session not found")
		return
	}
	jsonResp(w, http.StatusOK, h.toSessionResponse(s))
}

// postCommand handles POST /api/v1/sessions/{id}/commands: the command is
// queued for delivery on the session's stream.
func (h *Handler) postCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&req); err != nil {
		h.commands.WithLabelValues("invalid").Inc()
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !operatorCommands[req.Cmd] {
		h.commands.WithLabelValues("invalid").Inc()
		jsonErr(w, http.StatusBadRequest, "unknown command "+req.Cmd)
		return
	}

	id := r.PathValue("id")
	s, ok := h.store.Get(id)
	if !ok {
		h.commands.WithLabelValues("not_found").Inc()
		jsonErr(w, http.StatusNotFound, "session not found")
		return
	}
	if s.State != store.StateConnected {
		h.commands.WithLabelValues("not_connected").Inc()
		jsonErr(w, http.StatusConflict, "session not connected")
		return
	}
	if !h.limiter(id).Allow() {
		h.commands.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "1")
		jsonErr(w, http.StatusTooManyRequests, "too many commands for this session")
		return
	}

	err := h.store.Enqueue(id, wire.NewCommand(req.Cmd, req.Args...))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		h.commands.WithLabelValues("not_found").Inc()
		jsonErr(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, store.ErrNotConnected):
		h.commands.WithLabelValues("not_connected").Inc()
		jsonErr(w, http.StatusConflict, "session not connected")
		return
	default:
		h.commands.WithLabelValues("queue_full").Inc()
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	h.commands.WithLabelValues("queued").Inc()
	jsonResp(w, http.StatusAccepted, CommandResponse{SessionID: id, Cmd: req.Cmd, Queued: true})
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.alerts == nil {
		jsonResp(w, http.StatusOK, []*alerts.Alert{})
		return
	}
	jsonResp(w, http.StatusOK, h.alerts.Active())
}

// snapshot returns GET /api/v1/snapshot: full JSON dump of all live sessions.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.store))
}

// --- helpers ----------------------------------------------------------------

// BuildSnapshot assembles the snapshot payload shared by GET /api/v1/snapshot
// and the WebSocket hub.
func BuildSnapshot(st *store.Store) SnapshotResponse {
	now := time.Now()
	sessions := st.List()
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse{Session: s, Diagnostics: computeDiagnostics(s, now)})
	}
	return SnapshotResponse{
		Sessions:    out,
		GeneratedAt: now.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) sessions() []SessionResponse {
	list := h.store.List()
	out := make([]SessionResponse, 0, len(list))
	for _, s := range list {
		out = append(out, h.toSessionResponse(s))
	}
	return out
}

func (h *Handler) toSessionResponse(s store.Session) SessionResponse {
	return SessionResponse{Session: s, Diagnostics: computeDiagnostics(s, h.now())}
}

// limiter returns the token bucket of session id, creating it on first use.
func (h *Handler) limiter(id string) *rate.Limiter {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()
	if l, ok := h.limiters.Get(id); ok {
		return l
	}
	l := rate.NewLimiter(h.rate, h.burst)
	h.limiters.Add(id, l)
	return l
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
