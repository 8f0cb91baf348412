package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/vigilrun/vigil/agent/internal/security"
	"github.com/vigilrun/vigil/pkg/wire"
)

// DefaultReconnectDelay is the pause between a closed connection and the
// next attempt.
const DefaultReconnectDelay = 500 * time.Millisecond

// ErrDisconnected is returned by Send while the transport is Disconnected.
// The frame is dropped, not queued.
var ErrDisconnected = errors.New("transport: disconnected")

// Handler receives the arguments of one inbound command.
type Handler func(args wire.Args)

// Options configures a Transport. Collector and Handshake are required.
type Options struct {
	Collector security.Endpoint
	Proxy     *security.Endpoint

	// Handshake identifies the agent. Its SessionID is ignored; the
	// transport fills in the id issued by the collector.
	Handshake wire.Handshake

	Format         wire.Format
	ReconnectDelay time.Duration

	// QueueLimit bounds the delivery queue; 0 means unbounded.
	QueueLimit int

	// Fingerprint is the expected collector certificate fingerprint on
	// direct TLS routes. Defaults to security.ExpectedFingerprint.
	Fingerprint string

	Clock      clock.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type handlerEntry struct {
	fn Handler
}

// Transport is the agent's connection manager. All methods are safe for
// concurrent use.
type Transport struct {
	route       *security.Route
	client      *http.Client
	format      wire.Format
	handshake   wire.Handshake
	delay       time.Duration
	fingerprint string
	clock       clock.Clock
	log         *slog.Logger
	metrics     *metrics
	warnLimit   *rate.Limiter

	mu            sync.Mutex
	state         State
	sessionID     string
	everConnected bool
	gen           uint64
	conn          *conn
	retry         *clock.Timer
	queue         queue
	handlers      map[string][]*handlerEntry
}

// New resolves the route to the collector and returns a Transport in
// StateNew. Nothing is dialed until Connect.
func New(opts Options) (*Transport, error) {
	route, err := security.Resolve(opts.Collector, opts.Proxy)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if opts.Format == "" {
		opts.Format = wire.FormatJSON
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Fingerprint == "" {
		opts.Fingerprint = security.ExpectedFingerprint
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Handshake.SessionID = ""

	t := &Transport{
		route:       route,
		client:      newHTTPClient(route),
		format:      opts.Format,
		handshake:   opts.Handshake,
		delay:       opts.ReconnectDelay,
		fingerprint: opts.Fingerprint,
		clock:       opts.Clock,
		log:         opts.Logger,
		metrics:     newMetrics(opts.Registerer),
		warnLimit:   rate.NewLimiter(rate.Every(time.Minute), 3),
		queue:       queue{limit: opts.QueueLimit},
		handlers:    make(map[string][]*handlerEntry),
	}
	t.metrics.state.Set(float64(StateNew))
	return t, nil
}

func newHTTPClient(r *security.Route) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			// The route already points at the proxy when one is configured.
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:     r.TLS,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableCompression:  true,
		},
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Disconnected reports whether the transport is in StateDisconnected.
func (t *Transport) Disconnected() bool {
	return t.State() == StateDisconnected
}

// SessionID returns the id issued by the collector, or "" before the first
// acknowledged handshake.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Route returns the resolved route.
func (t *Transport) Route() *security.Route { return t.route }

// Connect tears down any current attempt and starts a new one. It is also
// the only way out of StateDisconnected.
func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectLocked()
}

// Disconnect closes the stream and moves to StateDisconnected. No reconnect
// is scheduled and later sends are dropped until Connect is called.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnectLocked()
}

// Send writes cmd with args to the collector, or queues it until the next
// acknowledged handshake. It never blocks on the network.
func (t *Transport) Send(cmd string, args ...any) error {
	_, err := t.send(wire.NewCommand(cmd, args...), false)
	return err
}

// SendNotify is Send with a channel that is closed once the frame has been
// written to the request body, or dropped because it cannot be encoded.
// The channel may never close if the
// connection fails first; callers wait on it with a timeout.
func (t *Transport) SendNotify(cmd string, args ...any) (<-chan struct{}, error) {
	return t.send(wire.NewCommand(cmd, args...), true)
}

func (t *Transport) send(cmd wire.Command, notify bool) (<-chan struct{}, error) {
	f := frame{v: cmd}
	if notify {
		f.done = make(chan struct{})
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateDisconnected:
		t.metrics.dropped.WithLabelValues("disconnected").Inc()
		return nil, fmt.Errorf("%w: dropped %q", ErrDisconnected, cmd.Name)
	case StateConnected:
		t.conn.push(f)
	default:
		if t.queue.push(f) {
			t.metrics.dropped.WithLabelValues("queue_full").Inc()
			t.log.Warn("transport: delivery queue full, evicted oldest send",
				"limit", t.queue.limit)
		}
		t.metrics.queued.Set(float64(t.queue.len()))
	}
	return f.done, nil
}

// On registers h for inbound commands named cmd and returns a function that
// removes it. Handlers for one command run in registration order.
func (t *Transport) On(cmd string, h Handler) (unsubscribe func()) {
	e := &handlerEntry{fn: h}
	t.mu.Lock()
	t.handlers[cmd] = append(t.handlers[cmd], e)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			list := t.handlers[cmd]
			for i, x := range list {
				if x == e {
					t.handlers[cmd] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(t.handlers[cmd]) == 0 {
				delete(t.handlers, cmd)
			}
		})
	}
}

func (t *Transport) setStateLocked(s State) {
	t.state = s
	t.metrics.state.Set(float64(s))
}

// teardownLocked ends the current attempt, if any, and cancels a pending
// reconnect.
func (t *Transport) teardownLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.conn != nil {
		t.conn.close()
		t.conn = nil
	}
}

func (t *Transport) disconnectLocked() {
	t.teardownLocked()
	if t.state != StateDisconnected {
		t.log.Info("transport: disconnected", "collector", t.route.Describe())
	}
	t.setStateLocked(StateDisconnected)
}

func (t *Transport) connectLocked() {
	t.teardownLocked()

	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	c := newConn(t.gen, cancel, pw)
	t.conn = c

	hs := t.handshake
	hs.SessionID = t.sessionID
	c.push(frame{v: hs})

	t.setStateLocked(StateConnecting)
	t.metrics.connectAttempts.Inc()
	t.log.Debug("transport: connecting", "collector", t.route.Describe(), "attempt", c.gen)

	go c.writeLoop(wire.NewEncoder(pw, t.format), writeHooks{
		sent:    t.metrics.framesSent.Inc,
		dropped: t.unencodable,
		failed:  func(err error) { t.lost(c, err) },
	})
	go t.readLoop(ctx, c, pr)
}

// current reports whether c is still the live attempt. Caller holds t.mu.
func (t *Transport) current(c *conn) bool {
	return t.conn == c
}

// readLoop runs the round trip for c and dispatches inbound frames until
// the stream ends.
func (t *Transport) readLoop(ctx context.Context, c *conn, body io.Reader) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", body)
	if err != nil {
		t.lost(c, err)
		return
	}
	// Set directly: a proxied URL keeps the collector URL in Opaque, which a
	// String/Parse round trip would mangle.
	u := *t.route.URL
	req.URL = &u
	if t.route.ViaProxy() {
		req.Host = t.route.Collector.Addr()
	}
	req.Header.Set("Content-Type", t.format.ContentType())
	req.Header.Set("Accept", t.format.ContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		t.lost(c, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.lost(c, fmt.Errorf("transport: collector answered %s", resp.Status))
		return
	}
	if t.route.CheckFingerprint {
		t.checkFingerprint(resp.TLS)
	}

	dec := wire.NewDecoder(resp.Body, t.format)
	for {
		m, err := dec.Decode()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				t.violation(c, err)
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			t.lost(c, err)
			return
		}
		if !t.dispatch(c, m) {
			return
		}
	}
}

// unencodable drops a frame the codec refused; the stream stays up.
func (t *Transport) unencodable(v any, err error) {
	t.metrics.dropped.WithLabelValues("encode").Inc()
	name := ""
	if cmd, ok := v.(wire.Command); ok {
		name = cmd.Name
	}
	t.log.Warn("transport: dropped a frame that cannot be encoded", "cmd", name, "err", err)
}

func (t *Transport) checkFingerprint(state *tls.ConnectionState) {
	actual, ok := security.CheckPeer(state, t.fingerprint)
	if ok {
		return
	}
	t.metrics.fingerprintMismatch.Inc()
	t.log.Warn("transport: collector certificate fingerprint mismatch, continuing",
		"collector", t.route.Collector.String(),
		"expected", t.fingerprint,
		"actual", actual)
}

// dispatch handles one inbound frame of c. It returns false when c must
// stop reading.
func (t *Transport) dispatch(c *conn, m map[string]any) bool {
	t.mu.Lock()
	if !t.current(c) {
		t.mu.Unlock()
		return false
	}
	t.metrics.framesReceived.Inc()

	if t.state == StateConnecting {
		ack, err := wire.ParseAck(m)
		if err != nil {
			t.violationLocked(err)
			t.mu.Unlock()
			return false
		}
		t.acceptLocked(ack)
		t.mu.Unlock()
		return true
	}

	cmd, err := wire.ParseCommand(m)
	if err != nil {
		t.violationLocked(err)
		t.mu.Unlock()
		return false
	}
	entries := t.handlers[cmd.Name]
	hs := make([]Handler, len(entries))
	for i, e := range entries {
		hs[i] = e.fn
	}
	t.mu.Unlock()

	if len(hs) == 0 {
		t.log.Debug("transport: no handler for command", "cmd", cmd.Name)
	}
	for _, h := range hs {
		t.invoke(cmd, h)
	}
	return true
}

// acceptLocked completes the handshake: the session id is stored, the
// state becomes Connected and the delivery queue is flushed ahead of any
// later send.
func (t *Transport) acceptLocked(ack wire.Ack) {
	if t.sessionID != "" && t.sessionID != ack.SessionID {
		t.log.Warn("transport: collector issued a new session id",
			"previous", t.sessionID, "session", ack.SessionID)
	}
	t.sessionID = ack.SessionID
	t.setStateLocked(StateConnected)

	pending := t.queue.drain()
	t.metrics.queued.Set(0)
	if len(pending) > 0 {
		t.conn.push(pending...)
	}

	if t.everConnected {
		t.metrics.reconnects.Inc()
		t.log.Info("transport: reconnected to collector",
			"collector", t.route.Describe(), "session", t.sessionID, "flushed", len(pending))
	} else {
		t.log.Info("transport: connected to collector",
			"collector", t.route.Describe(), "session", t.sessionID, "flushed", len(pending))
	}
	t.everConnected = true
}

func (t *Transport) invoke(cmd wire.Command, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("transport: command handler panicked", "cmd", cmd.Name, "panic", r)
		}
	}()
	h(cmd.Args)
}

// violation forces a resync after a protocol error on c.
func (t *Transport) violation(c *conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(c) {
		return
	}
	t.violationLocked(err)
}

func (t *Transport) violationLocked(err error) {
	t.metrics.violations.Inc()
	t.log.Warn("transport: protocol violation, resyncing",
		"collector", t.route.Describe(), "state", t.state.String(), "err", err)
	t.disconnectLocked()
	t.connectLocked()
}

// lost handles the end of c: a failed round trip, a stream error or a
// graceful close (err == nil). The state moves to NotConnected or
// LostConnection and a reconnect is scheduled.
func (t *Transport) lost(c *conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(c) {
		return
	}

	prev := t.state
	if prev == StateConnected || (prev == StateConnecting && t.everConnected) {
		t.setStateLocked(StateLostConnection)
	} else {
		t.setStateLocked(StateNotConnected)
	}
	t.teardownLocked()

	switch {
	case err == nil:
		t.log.Info("transport: collector closed the stream",
			"collector", t.route.Describe(), "retry_in", t.delay)
	case t.warnLimit.Allow():
		t.log.Warn("transport: connection failed, will reconnect",
			"collector", t.route.Describe(), "state", t.state.String(), "err", err, "retry_in", t.delay)
	default:
		t.log.Debug("transport: connection failed, will reconnect",
			"collector", t.route.Describe(), "err", err)
	}

	gen := t.gen
	t.retry = t.clock.AfterFunc(t.delay, func() { t.reconnect(gen) })
}

// reconnect fires after the reconnect delay. It does nothing if the
// transport was disconnected or another attempt started meanwhile.
func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisconnected || t.gen != gen || t.conn != nil {
		return
	}
	t.retry = nil
	t.connectLocked()
}
