package transport

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigilrun/vigil/agent/internal/security"
	"github.com/vigilrun/vigil/pkg/wire"
)

const waitFor = 5 * time.Second

type netConnKey struct{}

// fakeConn is one agent stream as seen by fakeCollector.
type fakeConn struct {
	uri       string
	host      string
	handshake map[string]any
	frames    chan map[string]any
	out       chan any
	gone      chan struct{}
	hangup    chan struct{}
	once      sync.Once
}

func (fc *fakeConn) send(v any) { fc.out <- v }

func (fc *fakeConn) ack(id string) { fc.send(map[string]any{"sessionId": id}) }

func (fc *fakeConn) hangUp() { fc.once.Do(func() { close(fc.hangup) }) }

// next returns the next frame the agent wrote after its handshake.
func (fc *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-fc.frames:
		require.True(t, ok, "stream closed before the next frame")
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// fakeCollector accepts agent streams the way the real collector does: it
// answers with headers right away and then reads and writes concurrently.
type fakeCollector struct {
	srv    *httptest.Server
	conns  chan *fakeConn
	status atomic.Int32
}

func newFakeCollector(t *testing.T, useTLS bool) *fakeCollector {
	t.Helper()
	c := &fakeCollector{conns: make(chan *fakeConn, 16)}
	c.srv = httptest.NewUnstartedServer(http.HandlerFunc(c.handle))
	c.srv.Config.ConnContext = func(ctx context.Context, nc net.Conn) context.Context {
		return context.WithValue(ctx, netConnKey{}, nc)
	}
	if useTLS {
		c.srv.StartTLS()
	} else {
		c.srv.Start()
	}
	t.Cleanup(func() {
		c.srv.CloseClientConnections()
		c.srv.Close()
	})
	return c
}

func (c *fakeCollector) handle(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	_ = rc.EnableFullDuplex()

	if code := c.status.Load(); code != 0 {
		w.WriteHeader(int(code))
		return
	}

	format, err := wire.FormatFromContentType(r.Header.Get("Content-Type"))
	if err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	dec := wire.NewDecoder(r.Body, format)
	hs, err := dec.Decode()
	if err != nil {
		return
	}
	fc := &fakeConn{
		uri:       r.RequestURI,
		host:      r.Host,
		handshake: hs,
		frames:    make(chan map[string]any, 256),
		out:       make(chan any, 16),
		gone:      make(chan struct{}),
		hangup:    make(chan struct{}),
	}
	go func() {
		defer close(fc.gone)
		defer close(fc.frames)
		for {
			m, err := dec.Decode()
			if err != nil {
				return
			}
			fc.frames <- m
		}
	}()
	c.conns <- fc

	enc := wire.NewEncoder(w, format)
	for {
		select {
		case v := <-fc.out:
			if err := enc.Encode(v); err != nil {
				return
			}
			_ = rc.Flush()
		case <-fc.hangup:
			// Closing the socket ends the body reader; wait for it so the
			// request body is not touched after the handler returns.
			r.Context().Value(netConnKey{}).(net.Conn).Close()
			<-fc.gone
			return
		case <-fc.gone:
			return
		}
	}
}

func (c *fakeCollector) endpoint(t *testing.T) security.Endpoint {
	t.Helper()
	raw := c.srv.URL
	if strings.HasPrefix(raw, "https://") {
		raw = "https+noauth://" + strings.TrimPrefix(raw, "https://")
	}
	ep, err := security.ParseURL(raw)
	require.NoError(t, err)
	return ep
}

// accept waits for the next agent stream.
func (c *fakeCollector) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-c.conns:
		return fc
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the agent to connect")
		return nil
	}
}

// expectNoConn fails if an agent stream arrives within d.
func (c *fakeCollector) expectNoConn(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-c.conns:
		t.Fatal("unexpected connection")
	case <-time.After(d):
	}
}

// syncBuffer is a bytes.Buffer safe for a slog handler and a test reading
// it at the same time.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

var testHandshake = wire.Handshake{
	AgentVersion: "0.0.0-test",
	AppName:      "shop",
	Hostname:     "web-1",
	Key:          "secret",
	PID:          4242,
}
