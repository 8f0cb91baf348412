package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Emitter receives probe payloads. *sender.Sender satisfies it.
type Emitter interface {
	Emit(channel string, payload any) error
}

// Options configures a probe. Zero values select defaults.
type Options struct {
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

func (o Options) withDefaults(interval time.Duration) Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Interval <= 0 {
		o.Interval = interval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// every calls fn on each tick of d until ctx is done.
func every(ctx context.Context, clk clock.Clock, d time.Duration, fn func()) {
	t := clk.Ticker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func emit(log *slog.Logger, e Emitter, channel string, payload any) {
	if err := e.Emit(channel, payload); err != nil {
		log.Debug("probe: emit failed", "channel", channel, "err", err)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
