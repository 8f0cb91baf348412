package transport

import (
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilrun/vigil/agent/internal/security"
	"github.com/vigilrun/vigil/pkg/wire"
)

type harness struct {
	tr    *Transport
	clk   *clock.Mock
	logs  *syncBuffer
	reg   *prometheus.Registry
	coll  *fakeCollector
	route security.Endpoint
}

func newHarness(t *testing.T, useTLS bool, mutate func(*Options)) *harness {
	t.Helper()
	coll := newFakeCollector(t, useTLS)
	log, logs := testLogger()
	h := &harness{
		clk:   clock.NewMock(),
		logs:  logs,
		reg:   prometheus.NewRegistry(),
		coll:  coll,
		route: coll.endpoint(t),
	}
	opts := Options{
		Collector:  h.route,
		Handshake:  testHandshake,
		Clock:      h.clk,
		Logger:     log,
		Registerer: h.reg,
	}
	if mutate != nil {
		mutate(&opts)
	}
	tr, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)
	h.tr = tr
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.tr.State() == want },
		waitFor, 5*time.Millisecond, "state never became %s (now %s)", want, h.tr.State())
}

// connect runs Connect and acknowledges the handshake with id.
func (h *harness) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	h.tr.Connect()
	fc := h.coll.accept(t)
	fc.ack(id)
	h.waitState(t, StateConnected)
	return fc
}

func cmdOf(t *testing.T, m map[string]any) wire.Command {
	t.Helper()
	cmd, err := wire.ParseCommand(m)
	require.NoError(t, err)
	return cmd
}

func TestConnect_HandshakeAndAck(t *testing.T) {
	h := newHarness(t, false, nil)
	assert.Equal(t, StateNew, h.tr.State())

	h.tr.Connect()
	assert.Equal(t, StateConnecting, h.tr.State())

	fc := h.coll.accept(t)
	assert.Equal(t, "shop", fc.handshake["appName"])
	assert.Equal(t, "secret", fc.handshake["key"])
	assert.Equal(t, "web-1", fc.handshake["hostname"])
	assert.Equal(t, float64(4242), fc.handshake["pid"])
	assert.NotContains(t, fc.handshake, "sessionId")
	assert.Equal(t, "/agent/v1", fc.uri)

	fc.ack("s-1")
	h.waitState(t, StateConnected)
	assert.Equal(t, "s-1", h.tr.SessionID())
	assert.Contains(t, h.logs.String(), "transport: connected to collector")
}

func TestSend_QueuedBeforeHandshakeAreReplayedInOrder(t *testing.T) {
	h := newHarness(t, false, nil)

	require.NoError(t, h.tr.Send(wire.CmdUpdate, map[string]any{"n": 1}))
	h.tr.Connect()
	require.NoError(t, h.tr.Send(wire.CmdUpdate, map[string]any{"n": 2}))
	require.NoError(t, h.tr.Send(wire.CmdInstances, []any{"a"}))
	assert.Equal(t, float64(3), testutil.ToFloat64(h.tr.metrics.queued))

	fc := h.coll.accept(t)
	fc.ack("s-1")
	h.waitState(t, StateConnected)
	require.NoError(t, h.tr.Send(wire.CmdTopCalls, "after"))

	first := cmdOf(t, fc.next(t))
	assert.Equal(t, wire.CmdUpdate, first.Name)
	n, _ := wire.Args{first.Args[0].(map[string]any)["n"]}.Int(0)
	assert.Equal(t, 1, n)

	second := cmdOf(t, fc.next(t))
	n, _ = wire.Args{second.Args[0].(map[string]any)["n"]}.Int(0)
	assert.Equal(t, 2, n)

	assert.Equal(t, wire.CmdInstances, cmdOf(t, fc.next(t)).Name)
	assert.Equal(t, wire.CmdTopCalls, cmdOf(t, fc.next(t)).Name)
	assert.Zero(t, testutil.ToFloat64(h.tr.metrics.queued))
}

func TestSend_QueueLimitEvictsOldest(t *testing.T) {
	h := newHarness(t, false, func(o *Options) { o.QueueLimit = 2 })

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.tr.Send(wire.CmdUpdate, i))
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(h.tr.metrics.dropped.WithLabelValues("queue_full")))

	fc := h.connect(t, "s-1")
	a, _ := cmdOf(t, fc.next(t)).Args.Int(0)
	b, _ := cmdOf(t, fc.next(t)).Args.Int(0)
	assert.Equal(t, []int{2, 3}, []int{a, b})
}

func TestDisconnect_DropsSendsAndNeverReconnects(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	h.tr.Disconnect()
	assert.Equal(t, StateDisconnected, h.tr.State())

	err := h.tr.Send(wire.CmdUpdate, "late")
	assert.ErrorIs(t, err, ErrDisconnected)
	_, err = h.tr.SendNotify(wire.CmdReportError, "late")
	assert.ErrorIs(t, err, ErrDisconnected)

	select {
	case <-fc.gone:
	case <-time.After(waitFor):
		t.Fatal("stream still open after Disconnect")
	}

	h.clk.Add(10 * time.Second)
	h.coll.expectNoConn(t, 200*time.Millisecond)
	assert.Equal(t, StateDisconnected, h.tr.State())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.tr.metrics.dropped.WithLabelValues("disconnected")))
}

func TestConnect_LeavesDisconnected(t *testing.T) {
	h := newHarness(t, false, nil)
	h.connect(t, "s-1")
	h.tr.Disconnect()

	fc := h.connect(t, "s-1")
	assert.Equal(t, "s-1", fc.handshake["sessionId"])
	require.NoError(t, h.tr.Send(wire.CmdUpdate, 1))
	assert.Equal(t, wire.CmdUpdate, cmdOf(t, fc.next(t)).Name)
}

func TestReconnect_AfterFixedDelayReplaysSession(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	for round := 0; round < 3; round++ {
		fc.hangUp()
		h.waitState(t, StateLostConnection)

		h.clk.Add(DefaultReconnectDelay - time.Millisecond)
		h.coll.expectNoConn(t, 100*time.Millisecond)

		h.clk.Add(time.Millisecond)
		fc = h.coll.accept(t)
		assert.Equal(t, "s-1", fc.handshake["sessionId"], "round %d", round)

		fc.ack("s-1")
		h.waitState(t, StateConnected)
	}
	assert.Contains(t, h.logs.String(), "transport: reconnected to collector")
	assert.Equal(t, float64(3), testutil.ToFloat64(h.tr.metrics.reconnects))
}

func TestReconnect_DisconnectCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	fc.hangUp()
	h.waitState(t, StateLostConnection)
	h.tr.Disconnect()

	h.clk.Add(time.Second)
	h.coll.expectNoConn(t, 200*time.Millisecond)
	assert.Equal(t, StateDisconnected, h.tr.State())
}

func TestSend_WhileLostIsQueuedForNextConnection(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	fc.hangUp()
	h.waitState(t, StateLostConnection)
	require.NoError(t, h.tr.Send(wire.CmdUpdate, "buffered"))

	h.clk.Add(DefaultReconnectDelay)
	fc = h.coll.accept(t)
	fc.ack("s-1")

	cmd := cmdOf(t, fc.next(t))
	s, _ := cmd.Args.String(0)
	assert.Equal(t, "buffered", s)
}

func TestConnect_UnreachableCollector(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	log, logs := testLogger()
	clk := clock.NewMock()
	tr, err := New(Options{
		Collector: security.Endpoint{Host: "127.0.0.1", Port: port},
		Handshake: testHandshake,
		Clock:     clk,
		Logger:    log,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)

	tr.Connect()
	require.Eventually(t, func() bool { return tr.State() == StateNotConnected }, waitFor, 5*time.Millisecond)
	assert.Contains(t, logs.String(), "transport: connection failed, will reconnect")

	clk.Add(DefaultReconnectDelay)
	require.Eventually(t, func() bool { return tr.State() == StateNotConnected && testutil.ToFloat64(tr.metrics.connectAttempts) == 2 },
		waitFor, 5*time.Millisecond)
}

func TestConnect_NonOKStatus(t *testing.T) {
	h := newHarness(t, false, nil)
	h.coll.status.Store(503)

	h.tr.Connect()
	h.waitState(t, StateNotConnected)
	assert.Contains(t, h.logs.String(), "503")
}

func TestConnect_ErrorAfterEarlierSuccessIsLostConnection(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	h.coll.status.Store(503)
	fc.hangUp()
	h.waitState(t, StateLostConnection)

	h.clk.Add(DefaultReconnectDelay)
	require.Eventually(t, func() bool { return testutil.ToFloat64(h.tr.metrics.connectAttempts) == 2 }, waitFor, 5*time.Millisecond)
	h.waitState(t, StateLostConnection)
}

func TestOn_DispatchesInRegistrationOrder(t *testing.T) {
	h := newHarness(t, false, nil)

	var mu sync.Mutex
	var calls []string
	var size int
	h.tr.On(wire.CmdClusterResize, func(args wire.Args) {
		mu.Lock()
		defer mu.Unlock()
		size, _ = args.Int(0)
		calls = append(calls, "first")
	})
	unsub := h.tr.On(wire.CmdClusterResize, func(wire.Args) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "second")
	})

	fc := h.connect(t, "s-1")
	fc.send(wire.NewCommand(wire.CmdClusterResize, 4))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, 4, size)
	mu.Unlock()

	unsub()
	unsub()
	fc.send(wire.NewCommand(wire.CmdClusterResize, 2))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return size == 2
	}, waitFor, 5*time.Millisecond)
	// A barrier command: once it is handled, the resize above has been fully
	// dispatched.
	done := make(chan struct{})
	h.tr.On("test:barrier", func(wire.Args) { close(done) })
	fc.send(wire.NewCommand("test:barrier"))
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "first"}, calls)
}

func TestOn_HandlerPanicDoesNotBreakStream(t *testing.T) {
	h := newHarness(t, false, nil)
	h.tr.On(wire.CmdCPUStart, func(wire.Args) { panic("boom") })
	got := make(chan struct{})
	h.tr.On(wire.CmdCPUStop, func(wire.Args) { close(got) })

	fc := h.connect(t, "s-1")
	fc.send(wire.NewCommand(wire.CmdCPUStart))
	fc.send(wire.NewCommand(wire.CmdCPUStop, 1))

	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("second command not dispatched")
	}
	assert.Equal(t, StateConnected, h.tr.State())
	assert.Contains(t, h.logs.String(), "command handler panicked")
}

func TestViolation_FrameWithoutCmdForcesResync(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	fc.send(map[string]any{"args": []any{1}})

	// The resync reconnects at once, without waiting for the delay.
	next := h.coll.accept(t)
	assert.Equal(t, "s-1", next.handshake["sessionId"])
	assert.Contains(t, h.logs.String(), "transport: protocol violation, resyncing")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.tr.metrics.violations))

	next.ack("s-1")
	h.waitState(t, StateConnected)
}

func TestViolation_AckWithoutSessionID(t *testing.T) {
	h := newHarness(t, false, nil)
	h.tr.Connect()
	fc := h.coll.accept(t)
	fc.send(map[string]any{"cmd": wire.CmdUpdate})

	next := h.coll.accept(t)
	assert.NotContains(t, next.handshake, "sessionId")
	assert.Equal(t, StateConnecting, h.tr.State())
	assert.Contains(t, h.logs.String(), "no sessionId")
}

func TestFingerprintMismatch_WarnsAndConnects(t *testing.T) {
	h := newHarness(t, true, nil)
	h.connect(t, "s-1")

	assert.Contains(t, h.logs.String(), "fingerprint mismatch")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.tr.metrics.fingerprintMismatch))
}

func TestFingerprintMatch_NoWarning(t *testing.T) {
	coll := newFakeCollector(t, true)
	fp := security.Fingerprint(coll.srv.Certificate())

	log, logs := testLogger()
	tr, err := New(Options{
		Collector:   coll.endpoint(t),
		Handshake:   testHandshake,
		Fingerprint: fp,
		Clock:       clock.NewMock(),
		Logger:      log,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)

	tr.Connect()
	coll.accept(t).ack("s-1")
	require.Eventually(t, func() bool { return tr.State() == StateConnected }, waitFor, 5*time.Millisecond)
	assert.NotContains(t, logs.String(), "fingerprint mismatch")
}

func TestProxyRoute_SendsAbsoluteTarget(t *testing.T) {
	proxy := newFakeCollector(t, false)
	pe := proxy.endpoint(t)

	tr, err := New(Options{
		Collector: security.Endpoint{Host: "collector.vigil.run", Secure: true, RejectUnauthorized: true},
		Proxy:     &pe,
		Handshake: testHandshake,
		Clock:     clock.NewMock(),
	})
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)

	tr.Connect()
	fc := proxy.accept(t)
	assert.Equal(t, "https://collector.vigil.run:443/agent/v1", fc.uri)
	assert.Equal(t, "collector.vigil.run:443", fc.host)

	fc.ack("s-9")
	require.Eventually(t, func() bool { return tr.State() == StateConnected }, waitFor, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(tr.metrics.fingerprintMismatch))
}

func TestCBORFormat(t *testing.T) {
	h := newHarness(t, false, func(o *Options) { o.Format = wire.FormatCBOR })
	fc := h.connect(t, "s-c")
	require.NoError(t, h.tr.Send(wire.CmdUpdate, map[string]any{"k": "v"}))
	cmd := cmdOf(t, fc.next(t))
	assert.Equal(t, "v", cmd.Args[0].(map[string]any)["k"])
}

func TestSendNotify_ClosesAfterWrite(t *testing.T) {
	h := newHarness(t, false, nil)
	h.connect(t, "s-1")

	done, err := h.tr.SendNotify(wire.CmdReportError, wire.ErrorReport{Type: "top-level"})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("notify channel not closed")
	}
}

func TestMetricsRegistered(t *testing.T) {
	h := newHarness(t, false, nil)
	h.connect(t, "s-1")
	n, err := testutil.GatherAndCount(h.reg, "vigil_transport_state", "vigil_transport_connect_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, float64(StateConnected), testutil.ToFloat64(h.tr.metrics.state))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "lost_connection", StateLostConnection.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestSend_UnencodableFrameIsDroppedAndStreamContinues(t *testing.T) {
	h := newHarness(t, false, nil)
	fc := h.connect(t, "s-1")

	require.NoError(t, h.tr.Send(wire.CmdUpdate, math.NaN()))
	require.NoError(t, h.tr.Send(wire.CmdUpdate, "after"))

	got := cmdOf(t, fc.next(t))
	s, _ := got.Args.String(0)
	assert.Equal(t, "after", s)
	assert.Equal(t, StateConnected, h.tr.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.tr.metrics.dropped.WithLabelValues("encode")))
	assert.Contains(t, h.logs.String(), "cannot be encoded")
}

func TestSendNotify_ClosesWhenFrameIsDropped(t *testing.T) {
	h := newHarness(t, false, nil)
	h.connect(t, "s-1")

	done, err := h.tr.SendNotify(wire.CmdUpdate, math.Inf(1))
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("notify channel never closed")
	}
}

func TestWriteError_TearsDownAndReconnects(t *testing.T) {
	h := newHarness(t, false, nil)
	h.connect(t, "s-1")

	h.tr.mu.Lock()
	c := h.tr.conn
	h.tr.mu.Unlock()
	c.body.CloseWithError(io.ErrClosedPipe)
	require.NoError(t, h.tr.Send(wire.CmdUpdate, "lost"))

	h.waitState(t, StateLostConnection)
	h.clk.Add(DefaultReconnectDelay)
	next := h.coll.accept(t)
	assert.Equal(t, "s-1", next.handshake["sessionId"])
}

// scriptedEncoder fails on the values listed in fail and records the rest.
type scriptedEncoder struct {
	fail    map[any]error
	written []any
}

func (e *scriptedEncoder) Encode(v any) error {
	if err, ok := e.fail[v]; ok {
		return err
	}
	e.written = append(e.written, v)
	return nil
}

func TestWriteLoop_DropsUnencodableAndStopsOnWriteError(t *testing.T) {
	_, pw := io.Pipe()
	c := newConn(1, func() {}, pw)
	enc := &scriptedEncoder{fail: map[any]error{
		"bad":    fmt.Errorf("%w: json: unsupported value", wire.ErrUnencodable),
		"broken": io.ErrClosedPipe,
	}}

	var sent, dropped int
	failed := make(chan error, 1)
	exited := make(chan struct{})
	c.push(frame{v: "a"}, frame{v: "bad"}, frame{v: "b"}, frame{v: "broken"}, frame{v: "never"})
	go func() {
		defer close(exited)
		c.writeLoop(enc, writeHooks{
			sent:    func() { sent++ },
			dropped: func(any, error) { dropped++ },
			failed:  func(err error) { failed <- err },
		})
	}()

	select {
	case <-exited:
	case <-time.After(waitFor):
		t.Fatal("writeLoop did not return after a write error")
	}
	assert.ErrorIs(t, <-failed, io.ErrClosedPipe)
	assert.Equal(t, []any{"a", "b"}, enc.written)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, dropped)
}
