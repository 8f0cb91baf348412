// Package crash reports unrecovered panics to the collector before the
// process goes down.
package crash

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vigilrun/vigil/pkg/wire"
)

// Report types.
const (
	TypeTopLevel = "top-level"
	TypeHTTP     = "http"
)

// DefaultGrace bounds how long a report may hold up the panic.
const DefaultGrace = 250 * time.Millisecond

// Notifier is the part of the transport a Reporter needs.
type Notifier interface {
	SendNotify(cmd string, args ...any) (<-chan struct{}, error)
}

// Options configures a Reporter. Zero values select defaults.
type Options struct {
	Grace  time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// Reporter turns panics into reportError frames.
type Reporter struct {
	n     Notifier
	grace time.Duration
	clk   clock.Clock
	log   *slog.Logger
}

// New returns a Reporter sending through n.
func New(n Notifier, opts Options) *Reporter {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reporter{n: n, grace: opts.Grace, clk: opts.Clock, log: opts.Logger}
}

// Report sends one error report and waits until it is on the wire or the
// grace period is over, whichever comes first. It returns the report sent.
func (r *Reporter) Report(kind string, v any, stack []byte, command string) wire.ErrorReport {
	rep := wire.ErrorReport{
		ID:      uuid.NewString(),
		TS:      r.clk.Now().UnixMilli(),
		Type:    kind,
		Stack:   fmt.Sprintf("panic: %v\n\n%s", v, stack),
		Command: command,
	}
	done, err := r.n.SendNotify(wire.CmdReportError, rep)
	if err != nil {
		r.log.Warn("crash: error report not sent", "type", kind, "err", err)
		return rep
	}
	t := r.clk.Timer(r.grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		r.log.Warn("crash: error report still pending after grace period", "type", kind, "grace", r.grace)
	}
	return rep
}

// Recover reports a panic in progress and re-panics with the same value.
// Use it deferred at the top of main or of any goroutine:
//
//	defer reporter.Recover()
func (r *Reporter) Recover() {
	p := recover()
	if p == nil {
		return
	}
	r.Report(TypeTopLevel, p, debug.Stack(), "")
	panic(p)
}

// Middleware reports panics raised while serving a request and re-panics so
// net/http still aborts the connection. http.ErrAbortHandler is not reported.
func (r *Reporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if err, ok := p.(error); !ok || !errors.Is(err, http.ErrAbortHandler) {
				r.Report(TypeHTTP, p, debug.Stack(), req.Method+" "+req.URL.Path)
			}
			panic(p)
		}()
		next.ServeHTTP(w, req)
	})
}
