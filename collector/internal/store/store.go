package store

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vigilrun/vigil/pkg/wire"
)

// OutboxSize is the number of operator commands that may wait for delivery
// to one session.
const OutboxSize = 64

var (
	ErrNotFound     = errors.New("store: session not found")
	ErrNotConnected = errors.New("store: session not connected")
	ErrOutboxFull   = errors.New("store: outbound queue full")
)

// Conn is one agent stream attached to a session. Closed fires when the
// stream must end: it was replaced by a newer connection of the same
// session, its session was evicted, or Close was called.
type Conn struct {
	SessionID string

	// Reused reports whether the handshake resumed a known session.
	Reused bool

	out    chan wire.Command
	closed chan struct{}
	once   sync.Once
}

// Outbound delivers the commands queued for the session.
func (c *Conn) Outbound() <-chan wire.Command { return c.out }

// Closed is closed once the stream must stop.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) close() { c.once.Do(func() { close(c.closed) }) }

type entry struct {
	s    Session
	conn *Conn
	out  chan wire.Command
}

// Store is a thread-safe in-memory session store keyed by session id. It
// holds at most capacity sessions, dropping the least recently active one
// when full. A background goroutine (Run) evicts disconnected sessions not
// seen within the configured TTL.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *entry]
	ttl   time.Duration
	now   func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL and capacity.
func New(ttl time.Duration, capacity int) *Store {
	cache, err := lru.NewWithEvict[string, *entry](capacity, func(id string, e *entry) {
		if e.conn != nil {
			slog.Warn("store: capacity reached, dropping live session", "session", id)
			e.conn.close()
		}
	})
	if err != nil {
		// Only a non-positive size fails; config validation rules it out.
		panic("store: " + err.Error())
	}
	return &Store{cache: cache, ttl: ttl, now: time.Now}
}

// Open attaches a new connection for hs. A handshake carrying a known
// session id resumes that session and replaces its previous connection;
// anything else starts a new session with a fresh id.
func (s *Store) Open(hs wire.Handshake) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var e *entry
	if hs.SessionID != "" {
		e, _ = s.cache.Get(hs.SessionID)
	}
	c := &Conn{closed: make(chan struct{})}
	if e != nil {
		if e.conn != nil {
			e.conn.close()
		}
		e.s.Reconnects++
		c.Reused = true
	} else {
		e = &entry{s: newSession(uuid.NewString()), out: make(chan wire.Command, OutboxSize)}
		s.cache.Add(e.s.ID, e)
	}

	e.s.Identity = Identity{
		AppName:      hs.AppName,
		Hostname:     hs.Hostname,
		AgentVersion: hs.AgentVersion,
		PID:          hs.PID,
	}
	e.s.State = StateConnected
	e.s.ConnectedAt = now
	e.s.LastSeen = now
	e.conn = c
	c.SessionID = e.s.ID
	c.out = e.out
	return c
}

// Close detaches c. The session becomes disconnected unless c was already
// replaced by a newer connection.
func (s *Store) Close(c *Conn) {
	c.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Peek(c.SessionID)
	if !ok || e.conn != c {
		return
	}
	e.conn = nil
	e.s.State = StateDisconnected
	e.s.LastSeen = s.now()
}

// Record folds one inbound command of c into its session.
func (s *Store) Record(c *Conn, cmd wire.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Get(c.SessionID)
	if !ok {
		return ErrNotFound
	}
	e.s.apply(cmd, s.now())
	return nil
}

// Enqueue queues cmd for delivery to session id. It never blocks.
func (s *Store) Enqueue(id string, cmd wire.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Peek(id)
	if !ok {
		return ErrNotFound
	}
	if e.conn == nil {
		return ErrNotConnected
	}
	select {
	case e.out <- cmd:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Get returns a copy of session id and whether it was found. A disconnected
// session past its TTL that has not been evicted yet is still returned.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache.Peek(id)
	if !ok {
		return Session{}, false
	}
	return e.s.clone(), true
}

// List returns copies of all live sessions sorted by id. Disconnected
// sessions past their TTL are excluded.
func (s *Store) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Session, 0, s.cache.Len())
	for _, e := range s.cache.Values() {
		if e.s.State == StateConnected || e.s.LastSeen.After(cutoff) {
			out = append(out, e.s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the total number of sessions currently held, including
// stale ones.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

// Connected returns the number of sessions with a live connection.
func (s *Store) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.cache.Values() {
		if e.conn != nil {
			n++
		}
	}
	return n
}

// Evict removes disconnected sessions last seen at or before now minus
// TTL. It returns the number of sessions removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for _, id := range s.cache.Keys() {
		e, ok := s.cache.Peek(id)
		if !ok || e.conn != nil || e.s.LastSeen.After(cutoff) {
			continue
		}
		s.cache.Remove(id)
		removed++
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// interval (minimum 1 second) so sessions are evicted promptly. Run blocks
// until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale sessions", "count", n)
			}
		}
	}
}
