package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/vigilrun/vigil/pkg/wire"
)

// Mode selects how a channel buffers payloads.
type Mode int

const (
	// Latest keeps only the most recent payload.
	Latest Mode = iota
	// Append keeps every payload in emission order.
	Append
)

// Channel names.
const (
	ChannelInfo          = "info"
	ChannelMetrics       = "metrics"
	ChannelTiers         = "tiers"
	ChannelLoopbackTiers = "loopback_tiers"
	ChannelLoop          = "loop"
	ChannelCallCounts    = "callCounts"
)

// Channels maps every known channel to its mode.
var Channels = map[string]Mode{
	ChannelInfo:          Latest,
	ChannelMetrics:       Append,
	ChannelTiers:         Append,
	ChannelLoopbackTiers: Append,
	ChannelLoop:          Append,
	ChannelCallCounts:    Append,
}

// order fixes the flush order so that passes are deterministic.
var order = []string{
	ChannelInfo,
	ChannelMetrics,
	ChannelTiers,
	ChannelLoopbackTiers,
	ChannelLoop,
	ChannelCallCounts,
}

// DefaultInterval is the flush period.
const DefaultInterval = time.Second

// DefaultBufferLimit bounds each append buffer.
const DefaultBufferLimit = 10000

// ErrUnknownChannel is returned by Emit for a channel not in Channels.
var ErrUnknownChannel = errors.New("sender: unknown channel")

// Sink is the part of the transport the sender needs.
type Sink interface {
	Send(cmd string, args ...any) error
	Disconnected() bool
}

// Options configures a Sender. Zero values select defaults.
type Options struct {
	Interval    time.Duration
	BufferLimit int // 0 selects DefaultBufferLimit, negative means unbounded
	Clock       clock.Clock
	Logger      *slog.Logger

	// ErrDisconnected is the error the sink returns for dropped sends.
	// Payloads refused with it are restored into their buffer.
	ErrDisconnected error
}

type buffer struct {
	mode    Mode
	items   []any
	evicted int
}

// Sender owns the channel buffers.
type Sender struct {
	sink     Sink
	interval time.Duration
	limit    int
	clock    clock.Clock
	log      *slog.Logger
	errDisc  error

	mu      sync.Mutex
	buffers map[string]*buffer
}

// New returns a Sender flushing into sink.
func New(sink Sink, opts Options) *Sender {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BufferLimit == 0 {
		opts.BufferLimit = DefaultBufferLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Sender{
		sink:     sink,
		interval: opts.Interval,
		limit:    opts.BufferLimit,
		clock:    opts.Clock,
		log:      opts.Logger,
		errDisc:  opts.ErrDisconnected,
		buffers:  make(map[string]*buffer, len(Channels)),
	}
	for name, mode := range Channels {
		s.buffers[name] = &buffer{mode: mode}
	}
	return s
}

// Emit buffers payload on channel. It never blocks on the network.
func (s *Sender) Emit(channel string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	if b.mode == Latest {
		b.items = append(b.items[:0], payload)
		return nil
	}
	if s.limit > 0 && len(b.items) >= s.limit {
		b.items[0] = nil
		b.items = b.items[1:]
		b.evicted++
	}
	b.items = append(b.items, payload)
	return nil
}

// Pending returns the number of payloads buffered on channel.
func (s *Sender) Pending(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[channel]; ok {
		return len(b.items)
	}
	return 0
}

// Flush runs one pass over all channels. Errors from individual channels
// are combined; a failure on one channel does not stop the others.
func (s *Sender) Flush() error {
	if s.sink.Disconnected() {
		return nil
	}
	var errs error
	for _, name := range order {
		if err := s.flushChannel(name); err != nil {
			s.log.Warn("sender: flush failed", "channel", name, "err", err)
			errs = multierr.Append(errs, fmt.Errorf("sender: channel %s: %w", name, err))
		}
	}
	return errs
}

func (s *Sender) flushChannel(name string) (err error) {
	s.mu.Lock()
	b := s.buffers[name]
	items, evicted := b.items, b.evicted
	b.items, b.evicted = nil, 0
	mode := b.mode
	s.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	if evicted > 0 {
		s.log.Warn("sender: buffer limit reached, oldest payloads dropped",
			"channel", name, "dropped", evicted, "limit", s.limit)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var payload any = items
	if mode == Latest {
		payload = items[len(items)-1]
	}
	err = s.sink.Send(wire.CmdUpdate, payload)
	if err != nil && s.errDisc != nil && errors.Is(err, s.errDisc) {
		s.restore(b, items)
	}
	return err
}

// restore puts items back in front of anything emitted since they were
// taken.
func (s *Sender) restore(b *buffer, items []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.mode == Latest {
		if len(b.items) == 0 {
			b.items = items
		}
		return
	}
	merged := append(items, b.items...)
	if s.limit > 0 && len(merged) > s.limit {
		b.evicted += len(merged) - s.limit
		merged = merged[len(merged)-s.limit:]
	}
	b.items = merged
}

// Run flushes every interval until ctx is done.
func (s *Sender) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Flush()
		}
	}
}
