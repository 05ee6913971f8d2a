package smtp

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-submit-lite/internal/email"
	"github.com/shineum/smtp-submit-lite/internal/transport"
)

// Manager holds the relay configuration, starts one Session per message
// and keeps track of the sessions that have not finished yet.
type Manager struct {
	mu          sync.Mutex
	cfg         ConnectionConfig
	sessions    map[uuid.UUID]*tracked
	subscribers []func(Event)

	dialer  transport.Dialer
	logger  *slog.Logger
	metrics *Metrics

	// wg tracks running session goroutines for Wait.
	wg sync.WaitGroup
}

// tracked is a registry entry.
type tracked struct {
	session *Session
	result  chan Event
	started time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the TCP/TLS dialer, e.g. for tests or proxies. When
// unset each session dials with its own config's TLS settings.
func WithDialer(d transport.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics enables session metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager with an empty configuration. Call Configure
// before SendMail.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[uuid.UUID]*tracked),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure replaces the default configuration. Sessions already running
// keep the configuration they were created with.
func (m *Manager) Configure(cfg ConnectionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Config returns the current default configuration.
func (m *Manager) Config() ConnectionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Subscribe registers fn to receive the terminal event of every session
// started from now on and of those still running. fn is called from the
// session's goroutine, so calls for different sessions may overlap.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SendMail starts a session for one message and returns at once. The
// returned channel receives the session's single event and is then closed.
func (m *Manager) SendMail(from, to, subject, body string) <-chan Event {
	env := email.Envelope{From: from, To: to, Subject: subject, Body: body}

	m.mu.Lock()
	cfg := m.cfg.snapshot()
	id := uuid.New()
	s := newSession(id, cfg, env, m.dialerFor(cfg), m.logger, m.metrics, m.complete)
	entry := &tracked{
		session: s,
		result:  make(chan Event, 1),
		started: time.Now(),
	}
	m.sessions[id] = entry
	m.mu.Unlock()

	m.metrics.sessionStarted()
	m.logger.Debug("session started", "session", id.String(), "addr", cfg.Addr(), "to", to)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run(context.Background())
	}()

	return entry.result
}

// ActiveSessionCount returns the number of sessions that have not reported
// their outcome yet.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Wait blocks until every session started so far has finished and its
// event has been delivered.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// complete is the sessions' completion hook. The session leaves the
// registry before anyone hears about it, so a subscriber that asks for the
// count sees it already decremented.
func (m *Manager) complete(s *Session, ev Event) {
	m.mu.Lock()
	entry, ok := m.sessions[s.id]
	if ok {
		delete(m.sessions, s.id)
	}
	subscribers := slices.Clone(m.subscribers)
	m.mu.Unlock()

	if !ok {
		m.logger.Error("completion for unknown session", "session", s.id.String())
		return
	}

	m.metrics.sessionClosed(ev, time.Since(entry.started))

	for _, fn := range subscribers {
		fn(ev)
	}

	entry.result <- ev
	close(entry.result)
}

func (m *Manager) dialerFor(cfg ConnectionConfig) transport.Dialer {
	if m.dialer != nil {
		return m.dialer
	}
	return &transport.NetDialer{TLSConfig: cfg.TLSConfig}
}
