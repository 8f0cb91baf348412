package control

import (
	"github.com/vigilrun/vigil/agent/internal/transport"
)

// Transport is the part of *transport.Transport the handlers use.
type Transport interface {
	Send(cmd string, args ...any) error
	On(cmd string, h transport.Handler) (unsubscribe func())
}

func unregisterAll(fns []func()) func() {
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
