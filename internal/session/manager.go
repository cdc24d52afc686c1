package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onemcp/onemcp/internal/tagfilter"
)

// Options configures a new session.
type Options struct {
	Transport  Transport
	Filter     tagfilter.Expr
	Source     string
	Preset     string
	Pagination bool
}

// Manager owns the live inbound sessions and expires idle ones.
type Manager struct {
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager builds a session manager with the given idle TTL.
func NewManager(ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		logger:   logger,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Create registers a new session with a fresh id.
func (m *Manager) Create(opts Options) *Session {
	if opts.Filter == nil {
		opts.Filter = tagfilter.MatchAll
	}
	s := newSession(uuid.NewString(), opts.Transport, opts.Filter, opts.Source)
	s.Preset = opts.Preset
	s.Pagination = opts.Pagination

	m.mu.Lock()
	m.sessions[s.ID] = s
	total := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("transport", string(opts.Transport)),
		zap.String("filter", opts.Source),
		zap.Int("active", total))
	return s
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close removes the session and cancels its in-flight work.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	s.Close()
	m.logger.Info("Session closed", zap.String("session_id", id))
	return nil
}

// CloseAll tears down every session, used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ForEach invokes fn for every live session.
func (m *Manager) ForEach(fn func(*Session)) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		fn(s)
	}
}

// Bind picks the session a reverse-direction request should be delivered
// to: the most recently touched session admitting the upstream, falling
// back to the oldest admitting session. Returns nil when none admits it.
func (m *Manager) Bind(upstreamTags []string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		recent *Session
		oldest *Session
	)
	for _, s := range m.sessions {
		if !s.Admits(upstreamTags) {
			continue
		}
		if recent == nil || s.LastTouched().After(recent.LastTouched()) {
			recent = s
		}
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	if recent != nil {
		return recent
	}
	return oldest
}

// StartSweeper expires idle sessions every interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.LastTouched().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
		m.logger.Info("Session expired",
			zap.String("session_id", s.ID),
			zap.Duration("ttl", m.ttl))
	}
}
