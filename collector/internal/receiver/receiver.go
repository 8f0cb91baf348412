package receiver

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigilrun/vigil/collector/internal/store"
	"github.com/vigilrun/vigil/pkg/wire"
)

// DefaultHandshakeTimeout bounds the wait for the first frame of a stream.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures a Receiver. Store is required.
type Options struct {
	Store *store.Store

	// Keys lists the accepted application keys. Empty accepts any key.
	Keys []string

	HandshakeTimeout time.Duration
	Registerer       prometheus.Registerer
	Logger           *slog.Logger
}

// Receiver serves agent streams on wire.AgentPath.
type Receiver struct {
	st      *store.Store
	keys    [][]byte
	timeout time.Duration
	metrics *metrics
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Receiver from opts.
func New(opts Options) *Receiver {
	rv := &Receiver{
		st:      opts.Store,
		timeout: opts.HandshakeTimeout,
		metrics: newMetrics(opts.Registerer),
		log:     opts.Logger,
		now:     time.Now,
	}
	for _, k := range opts.Keys {
		rv.keys = append(rv.keys, []byte(k))
	}
	if rv.timeout <= 0 {
		rv.timeout = DefaultHandshakeTimeout
	}
	if rv.log == nil {
		rv.log = slog.Default()
	}
	return rv
}

// ServeHTTP runs one agent stream: handshake, acknowledgement, then inbound
// frames and queued outbound commands concurrently until either side ends
// the stream or a newer connection of the same session replaces it.
func (rv *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	format, err := wire.FormatFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		rv.metrics.rejected.WithLabelValues("content_type").Inc()
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.EnableFullDuplex(); err != nil {
		rv.log.Debug("receiver: full duplex unavailable", "err", err)
	}

	dec := wire.NewDecoder(r.Body, format)
	_ = rc.SetReadDeadline(rv.now().Add(rv.timeout))
	m, err := dec.Decode()
	if err != nil {
		rv.metrics.rejected.WithLabelValues("handshake").Inc()
		rv.log.Warn("receiver: no handshake", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "handshake expected", http.StatusBadRequest)
		return
	}
	_ = rc.SetReadDeadline(time.Time{})

	hs, err := wire.ParseHandshake(m)
	if err != nil {
		rv.metrics.rejected.WithLabelValues("handshake").Inc()
		rv.log.Warn("receiver: invalid handshake", "remote", r.RemoteAddr, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !rv.accepts(hs.Key) {
		rv.metrics.rejected.WithLabelValues("key").Inc()
		rv.log.Warn("receiver: unknown application key", "remote", r.RemoteAddr, "app", hs.AppName)
		http.Error(w, "unknown key", http.StatusUnauthorized)
		return
	}

	conn := rv.st.Open(hs)
	defer rv.st.Close(conn)
	rv.metrics.accepted.Inc()
	rv.metrics.active.Inc()
	defer rv.metrics.active.Dec()

	log := rv.log.With("session", conn.SessionID, "app", hs.AppName, "hostname", hs.Hostname, "pid", hs.PID)
	if conn.Reused {
		log.Info("receiver: agent reconnected")
	} else {
		log.Info("receiver: agent connected", "agent_version", hs.AgentVersion)
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	enc := wire.NewEncoder(w, format)
	if err := enc.Encode(map[string]any{"sessionId": conn.SessionID, "ts": rv.now().UnixMilli()}); err != nil {
		log.Warn("receiver: ack failed", "err", err)
		return
	}
	_ = rc.Flush()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		rv.readLoop(dec, conn, log)
	}()

	for {
		select {
		case cmd := <-conn.Outbound():
			if err := enc.Encode(cmd); err != nil {
				log.Warn("receiver: command not delivered", "cmd", cmd.Name, "err", err)
				rv.hangUp(rc, gone)
				return
			}
			_ = rc.Flush()
			rv.metrics.sent.WithLabelValues(label(cmd.Name)).Inc()
			log.Debug("receiver: command delivered", "cmd", cmd.Name)

		case <-conn.Closed():
			log.Info("receiver: stream replaced or evicted, hanging up")
			rv.hangUp(rc, gone)
			return

		case <-r.Context().Done():
			rv.hangUp(rc, gone)
			return

		case <-gone:
			log.Info("receiver: agent disconnected")
			return
		}
	}
}

// readLoop records inbound frames until the body ends or fails.
func (rv *Receiver) readLoop(dec wire.Decoder, conn *store.Conn, log *slog.Logger) {
	for {
		m, err := dec.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				rv.metrics.malformed.Inc()
				log.Warn("receiver: malformed frame, closing stream", "err", err)
			} else if !errors.Is(err, io.EOF) {
				log.Debug("receiver: stream read ended", "err", err)
			}
			return
		}
		cmd, err := wire.ParseCommand(m)
		if err != nil {
			rv.metrics.malformed.Inc()
			log.Warn("receiver: invalid command frame, closing stream", "err", err)
			return
		}
		rv.metrics.received.WithLabelValues(label(cmd.Name)).Inc()
		if cmd.Name == wire.CmdReportError {
			log.Warn("receiver: agent reported an error")
		}
		if err := rv.st.Record(conn, cmd); err != nil {
			log.Debug("receiver: frame dropped", "cmd", cmd.Name, "err", err)
		}
	}
}

// hangUp unblocks the body reader by expiring the read deadline and waits
// for it, so the request body is never read after the handler returns.
func (rv *Receiver) hangUp(rc *http.ResponseController, gone <-chan struct{}) {
	if err := rc.SetReadDeadline(time.Now()); err != nil {
		rv.log.Debug("receiver: read deadline unsupported", "err", err)
	}
	<-gone
}

func (rv *Receiver) accepts(key string) bool {
	if len(rv.keys) == 0 {
		return true
	}
	for _, k := range rv.keys {
		if subtle.ConstantTimeCompare(k, []byte(key)) == 1 {
			return true
		}
	}
	return false
}
