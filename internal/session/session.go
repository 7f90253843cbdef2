// Package session tracks MCP session lifecycles: slot admission before the
// initialize handshake, insertion-ordered storage with TTL and capacity
// eviction, and a background idle sweep.
package session

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"superfetch/internal/model"
)

const (
	DefaultMaxSessions = 100
	DefaultTTL         = 30 * time.Minute
	DefaultInitTimeout = 10 * time.Second

	minCleanupPeriod = 10 * time.Second
	maxCleanupPeriod = 60 * time.Second
)

// Transport is the slice of a session transport the manager drives. The MCP
// SDK's transports satisfy it; tests use in-memory fakes.
type Transport interface {
	Close() error
}

// Entry is one live session.
type Entry struct {
	ID        string
	Transport Transport
	CreatedAt time.Time
	LastSeen  time.Time
}

// Options configures a Manager.
type Options struct {
	MaxSessions int
	TTL         time.Duration
	InitTimeout time.Duration
	Logger      *slog.Logger
}

// Manager owns the session map. Sessions are kept in insertion order;
// Touch moves an entry to the tail, so the head is always the least
// recently seen and capacity eviction removes it first.
type Manager struct {
	mu       sync.Mutex
	order    *list.List               // of *Entry, head = oldest
	sessions map[string]*list.Element // id -> element in order
	inFlight int

	max         int
	ttl         time.Duration
	initTimeout time.Duration
	logger      *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager creates a Manager and starts its idle cleanup loop.
func NewManager(opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		order:       list.New(),
		sessions:    make(map[string]*list.Element),
		max:         opts.MaxSessions,
		ttl:         opts.TTL,
		initTimeout: opts.InitTimeout,
		logger:      opts.Logger,
		done:        make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Slot is a reserved admission for a connecting session. Exactly one of
// Promote or Release takes effect; both are safe to call more than once and
// from the init timer.
type Slot struct {
	m     *Manager
	timer *time.Timer

	mu        sync.Mutex
	transport Transport
	settled   bool
}

// Reserve admits a new connecting session if the store plus in-flight
// count leaves room, evicting the oldest session once if needed. The
// returned slot must be promoted or released.
func (m *Manager) Reserve() (*Slot, error) {
	m.mu.Lock()
	if len(m.sessions)+m.inFlight >= m.max {
		// One LRU eviction attempt to make room.
		if !m.evictOldestLocked() || len(m.sessions)+m.inFlight >= m.max {
			m.mu.Unlock()
			return nil, &model.APIError{
				Code:       "SESSION_LIMIT",
				Message:    "session capacity reached",
				StatusCode: 503,
				Err:        model.ErrRateLimited,
			}
		}
	}
	m.inFlight++
	m.mu.Unlock()

	s := &Slot{m: m}
	s.timer = time.AfterFunc(m.initTimeout, s.expire)
	return s, nil
}

// Attach records the transport created for this slot so the init timer can
// close it if the handshake never completes.
func (s *Slot) Attach(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

// Promote finalizes the handshake: the slot's in-flight reservation becomes
// a stored session. Returns false if the slot already expired or released.
func (s *Slot) Promote(id string) bool {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false
	}
	s.settled = true
	t := s.transport
	s.mu.Unlock()
	s.timer.Stop()

	now := time.Now()
	s.m.mu.Lock()
	s.m.inFlight--
	elem := s.m.order.PushBack(&Entry{ID: id, Transport: t, CreatedAt: now, LastSeen: now})
	s.m.sessions[id] = elem
	s.m.mu.Unlock()
	return true
}

// Release abandons the reservation. Idempotent; a no-op after Promote.
func (s *Slot) Release() {
	s.settle(false)
}

// expire fires from the init timer: close the half-open transport and give
// the slot back.
func (s *Slot) expire() {
	if s.settle(true) {
		s.m.logger.Warn("session init timeout, releasing slot")
	}
}

func (s *Slot) settle(closeTransport bool) bool {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false
	}
	s.settled = true
	t := s.transport
	s.mu.Unlock()
	s.timer.Stop()

	s.m.mu.Lock()
	s.m.inFlight--
	s.m.mu.Unlock()

	if closeTransport && t != nil {
		if err := t.Close(); err != nil {
			s.m.logger.Warn("closing timed-out transport", "error", err)
		}
	}
	return true
}

// Get returns the entry for id.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// Touch marks a session as just seen and moves it to the eviction tail.
// Returns false for unknown sessions.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.sessions[id]
	if !ok {
		return false
	}
	elem.Value.(*Entry).LastSeen = time.Now()
	m.order.MoveToBack(elem)
	return true
}

// Close removes a session and closes its transport. Close errors are
// logged, never returned.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	elem, ok := m.sessions[id]
	if ok {
		m.removeLocked(elem)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeTransport(elem.Value.(*Entry))
	return true
}

// Count reports stored sessions, not counting in-flight reservations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// InFlight reports reservations that have not settled.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// Shutdown stops the cleanup loop and closes every session in parallel,
// best effort.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.sessions))
	for elem := m.order.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*Entry))
	}
	m.order.Init()
	m.sessions = make(map[string]*list.Element)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.closeTransport(e)
		}()
	}
	wg.Wait()
}

// cleanupPeriod derives the idle sweep interval from the TTL, clamped to
// [10s, 60s].
func (m *Manager) cleanupPeriod() time.Duration {
	period := m.ttl / 2
	if period < minCleanupPeriod {
		period = minCleanupPeriod
	}
	if period > maxCleanupPeriod {
		period = maxCleanupPeriod
	}
	return period
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupPeriod())
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.sweepIdle(now)
		case <-m.done:
			return
		}
	}
}

// sweepIdle removes every session idle past the TTL and closes its
// transport outside the lock.
func (m *Manager) sweepIdle(now time.Time) {
	m.mu.Lock()
	var expired []*Entry
	var next *list.Element
	for elem := m.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*Entry)
		if now.Sub(entry.LastSeen) > m.ttl {
			m.removeLocked(elem)
			expired = append(expired, entry)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.logger.Info("closing idle session", "sessionId", e.ID)
		m.closeTransport(e)
	}
}

// evictOldestLocked drops the head of the insertion order. Caller holds the
// lock; the transport close happens on a separate goroutine to keep the
// admission path fast.
func (m *Manager) evictOldestLocked() bool {
	elem := m.order.Front()
	if elem == nil {
		return false
	}
	entry := elem.Value.(*Entry)
	m.removeLocked(elem)
	m.logger.Info("evicting session for capacity", "sessionId", entry.ID)
	go m.closeTransport(entry)
	return true
}

func (m *Manager) removeLocked(elem *list.Element) {
	entry := elem.Value.(*Entry)
	m.order.Remove(elem)
	delete(m.sessions, entry.ID)
}

func (m *Manager) closeTransport(e *Entry) {
	if e.Transport == nil {
		return
	}
	if err := e.Transport.Close(); err != nil {
		m.logger.Warn("closing session transport", "sessionId", e.ID, "error", err)
	}
}
