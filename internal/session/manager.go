package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

// Config tunes the manager.
type Config struct {
	// Timeout is the sliding inactivity window.
	Timeout time.Duration
	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration
	// WindowK is the number of history turns a session keeps.
	WindowK int
}

// Manager owns every live session. Lookup, mutation, and expiry all
// go through it; callers only ever see snapshots.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg    Config
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewManager creates a manager. Call Start to run the sweeper.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.WindowK <= 0 {
		cfg.WindowK = 8
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Create registers a new session. seed turns, when provided, become
// the initial history (already trimmed to the window).
func (m *Manager) Create(seed []Turn) *Session {
	now := m.now()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
		History:      trimWindow(seed, m.cfg.WindowK),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session_created", slog.String("session_id", s.ID))
	return s.snapshot()
}

// Get returns a snapshot and advances last_activity. Expired or
// unknown sessions return SessionNotFound; an expired session is
// destroyed on the spot rather than waiting for the sweeper.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return nil, err
	}
	m.touchLocked(s)
	return s.snapshot(), nil
}

// Extend nudges the sliding window and reports the remaining lifetime.
func (m *Manager) Extend(id string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return 0, err
	}
	m.touchLocked(s)
	return m.cfg.Timeout, nil
}

// End destroys a session. Ending an unknown session is a no-op.
func (m *Manager) End(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if existed {
		m.logger.Info("session_ended", slog.String("session_id", id))
	}
}

// AppendTurn appends to the rolling history and trims it to the
// window. The turn's timestamp defaults to now.
func (m *Manager) AppendTurn(id string, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = m.now()
	}
	s.History = trimWindow(append(s.History, turn), m.cfg.WindowK)
	m.touchLocked(s)
	return nil
}

// SetClarifyState records the router's clarification bookkeeping.
func (m *Manager) SetClarifyState(id string, count int, pending, focus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	s.ClarifyCount = count
	s.PendingQuestion = pending
	s.FocusHint = focus
	return nil
}

// SetLastRetrieval stores the session's retrieval snapshot.
func (m *Manager) SetLastRetrieval(id string, snap *RetrievalSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.liveLocked(id)
	if err != nil {
		return err
	}
	s.LastRetrieval = snap.clone()
	return nil
}

// List returns snapshots of every live session, for the admin surface.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !m.expiredLocked(s) {
			out = append(out, s.snapshot())
		}
	}
	return out
}

// AcquireAsk locks the session's request mutex, serializing asks per
// session, and returns the release function. The session stays valid
// for the duration even if it expires mid-request.
func (m *Manager) AcquireAsk(id string) (func(), error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	expired := ok && m.expiredLocked(s)
	m.mu.RUnlock()

	if !ok || expired {
		return nil, errSessionNotFound(id)
	}

	s.AskMu.Lock()
	return s.AskMu.Unlock, nil
}

// Timeout reports the configured sliding inactivity window.
func (m *Manager) Timeout() time.Duration {
	return m.cfg.Timeout
}

// Start launches the background sweeper.
func (m *Manager) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

// Close stops the sweeper. Sessions themselves need no teardown.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-time.After(time.Second):
	}
}

// sweep destroys expired sessions. A session whose request mutex is
// held is skipped this cycle; the next sweep gets it.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if !m.expiredLocked(s) {
			continue
		}
		if !s.AskMu.TryLock() {
			continue
		}
		delete(m.sessions, id)
		s.AskMu.Unlock()
		m.logger.Info("session_expired", slog.String("session_id", id))
	}
}

// liveLocked returns the live session or SessionNotFound, destroying
// it first when already expired. Caller holds m.mu.
func (m *Manager) liveLocked(id string) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, errSessionNotFound(id)
	}
	if m.expiredLocked(s) {
		delete(m.sessions, id)
		return nil, errSessionNotFound(id)
	}
	return s, nil
}

func (m *Manager) expiredLocked(s *Session) bool {
	return s.LastActivity.Add(m.cfg.Timeout).Before(m.now())
}

// touchLocked advances last_activity, keeping it monotonic.
func (m *Manager) touchLocked(s *Session) {
	if now := m.now(); now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

func errSessionNotFound(id string) error {
	return everrors.New(everrors.ErrCodeSessionNotFound,
		"session not found or expired", nil).WithDetail("session_id", id)
}

func trimWindow(turns []Turn, k int) []Turn {
	if len(turns) <= k {
		return turns
	}
	trimmed := make([]Turn, k)
	copy(trimmed, turns[len(turns)-k:])
	return trimmed
}
