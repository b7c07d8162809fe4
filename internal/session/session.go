package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/oshokin/microscope/internal/domain/device"
	"github.com/oshokin/microscope/internal/logger"
)

// DefaultTimeout is the inactivity interval after which a session is reaped.
const DefaultTimeout = 30 * time.Second

// Session is one connected client.
type Session struct {
	// ID is the unique session identifier.
	ID string
	// Identity describes the client that opened the session.
	Identity *domain.ClientIdentity
	// Created is when the session was opened.
	Created time.Time
	// lastSeen is the time of the last activity.
	lastSeen time.Time
	// held lists devices the session holds explicitly.
	held []string
	// mu protects lastSeen and held.
	mu sync.Mutex
}

// Info is a read-only view of a session.
type Info struct {
	ID       string
	Identity string
	Created  time.Time
	LastSeen time.Time
	Held     []string
}

// LastSeen returns the time of the last activity.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSeen
}

// Held returns the devices held explicitly, in acquisition order.
func (s *Session) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.held)
}

// Hold records an explicit hold of a device.
func (s *Session) Hold(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.held, deviceID) {
		s.held = append(s.held, deviceID)
	}
}

// Unhold forgets an explicit hold of a device.
func (s *Session) Unhold(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held = slices.DeleteFunc(s.held, func(id string) bool { return id == deviceID })
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeen = now
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:       s.ID,
		Identity: s.Identity.String(),
		Created:  s.Created,
		LastSeen: s.lastSeen,
		Held:     slices.Clone(s.held),
	}
}

// CloseFunc is called once for every session that is closed or reaped.
type CloseFunc func(ctx context.Context, s *Session)

// Manager owns the live sessions.
type Manager struct {
	// sessions maps ids to live sessions.
	sessions map[string]*Session
	// timeout is the inactivity limit.
	timeout time.Duration
	// onClose releases whatever the session held.
	onClose CloseFunc
	// mu protects sessions.
	mu sync.Mutex
}

// NewManager creates a manager. A non-positive timeout selects DefaultTimeout.
func NewManager(timeout time.Duration, onClose CloseFunc) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Manager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		onClose:  onClose,
	}
}

// Timeout returns the inactivity limit.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Open creates a session for a client.
func (m *Manager) Open(ctx context.Context, identity *domain.ClientIdentity) *Session {
	now := time.Now()
	s := &Session{
		ID:       uuid.New().String(),
		Identity: identity.Clone(),
		Created:  now,
		lastSeen: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logger.InfoKV(ctx, "Session opened", "session", s.ID, "client", s.Identity.String())

	return s
}

// Touch refreshes the liveness of a session and returns it.
func (m *Manager) Touch(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()

	if ok {
		s.touch(time.Now())
	}

	return s, ok
}

// Get returns a live session without refreshing it.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]

	return s, ok
}

// Close destroys a session and runs the close hook. Closing an unknown or
// already closed session is a no-op.
func (m *Manager) Close(ctx context.Context, id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return
	}

	logger.InfoKV(ctx, "Session closed", "session", id, "client", s.Identity.String(), "reason", reason)

	if m.onClose != nil {
		m.onClose(ctx, s)
	}
}

// Reap closes every session idle for longer than the timeout and returns their ids.
func (m *Manager) Reap(ctx context.Context) []string {
	cutoff := time.Now().Add(-m.timeout)

	var expired []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(expired)

	for _, id := range expired {
		m.Close(ctx, id, "inactive")
	}

	return expired
}

// Run reaps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ctx = logger.WithName(ctx, "sessions")

	ticker := time.NewTicker(m.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

// CloseAll closes every session, used at shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))

	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(ctx, id, "shutdown")
	}
}

// List returns every live session ordered by creation time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))

	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Info) int {
		return a.Created.Compare(b.Created)
	})

	return out
}
