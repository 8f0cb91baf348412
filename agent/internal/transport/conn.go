package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/vigilrun/vigil/pkg/wire"
)

var errTornDown = errors.New("transport: connection torn down")

// conn is one connection attempt. Its outbox is unbounded so that pushing
// never blocks the caller of Send; the writer goroutine drains it into the
// request body.
type conn struct {
	gen    uint64
	cancel context.CancelFunc
	body   *io.PipeWriter

	mu     sync.Mutex
	outbox []frame
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newConn(gen uint64, cancel context.CancelFunc, body *io.PipeWriter) *conn {
	return &conn{
		gen:    gen,
		cancel: cancel,
		body:   body,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// push appends frames to the outbox in order.
func (c *conn) push(fs ...frame) {
	c.mu.Lock()
	c.outbox = append(c.outbox, fs...)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *conn) take() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// close ends the request body and aborts the round trip. Safe to call more
// than once.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.body.CloseWithError(errTornDown)
		c.cancel()
	})
}

// writeHooks reports the outcome of each frame to the transport.
type writeHooks struct {
	sent    func()
	dropped func(v any, err error)
	failed  func(err error)
}

// writeLoop encodes outbox frames into the request body until the
// connection is closed or a write fails. A frame that cannot be encoded is
// dropped and the loop goes on; a write error ends the loop and is reported
// through failed.
func (c *conn) writeLoop(enc wire.Encoder, h writeHooks) {
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for _, f := range c.take() {
			err := enc.Encode(f.v)
			switch {
			case errors.Is(err, wire.ErrUnencodable):
				h.dropped(f.v, err)
			case err != nil:
				h.failed(err)
				return
			default:
				h.sent()
			}
			if f.done != nil {
				close(f.done)
			}
		}
	}
}
