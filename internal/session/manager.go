package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/logging"
)

// ErrSessionNotFound is returned when an operation names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// TransitionResult reports the outcome of a requested state transition.
// FSM violations are carried here, not thrown, so callers branch explicitly.
type TransitionResult struct {
	Success bool
	From    State
	To      State
	Allowed []State
	Err     error
}

// Config holds manager tuning knobs.
type Config struct {
	// StaleAfter is how long a session may sit untouched before the reaper
	// acts on it.
	StaleAfter time.Duration

	// ReapInterval is the reaper tick period.
	ReapInterval time.Duration

	// SnapshotPath, when set, persists session metadata as JSON after
	// mutations so a restarted process can inspect prior sessions.
	SnapshotPath string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:   30 * time.Minute,
		ReapInterval: time.Minute,
	}
}

// Manager owns all sessions. It is an explicit store passed by constructor
// injection; nothing in the engine reaches a shared global.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config

	// now is swappable for reaper tests.
	now func() time.Time

	reaperStop chan struct{}
	reaperOnce sync.Once
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	return &Manager{
		sessions:   make(map[string]*Session),
		cfg:        cfg,
		now:        time.Now,
		reaperStop: make(chan struct{}),
	}
}

// CreateOptions are the caller-supplied fields for a new session.
type CreateOptions struct {
	UserID  string
	Task    string
	URL     string
	Context string
}

// Create makes a new session in CREATED.
func (m *Manager) Create(opts CreateOptions) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         opts.UserID,
		State:          StateCreated,
		Task:           opts.Task,
		URL:            opts.URL,
		Context:        opts.Context,
		CollectedInfo:  make(map[string]string),
		ExecutionTrace: make([]TraceEntry, 0),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	logging.Session("Created session %s (user=%s)", s.ID, s.UserID)
	m.persist()
	return s.clone()
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s.clone(), nil
}

// List returns copies of all sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Delete removes a session outright.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	m.persistLocked()
	return nil
}

// Transition moves a session to a new state if the edge table allows it.
// On failure the session is unchanged and the allowed set is returned for
// diagnostics.
func (m *Manager) Transition(id string, next State) TransitionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return TransitionResult{Success: false, To: next, Err: fmt.Errorf("%w: %s", ErrSessionNotFound, id)}
	}

	if !transitionAllowed(s.State, next) {
		allowed := AllowedTransitions(s.State)
		return TransitionResult{
			Success: false,
			From:    s.State,
			To:      next,
			Allowed: allowed,
			Err: fmt.Errorf("Invalid transition: %s -> %s (allowed: %s)",
				s.State, next, joinStates(allowed)),
		}
	}

	from := s.State
	m.applyStateLocked(s, next)
	logging.Session("Session %s: %s -> %s", id, from, next)
	m.persistLocked()
	return TransitionResult{Success: true, From: from, To: next}
}

// applyStateLocked sets the state and maintains the completedAt invariant:
// set exactly once when entering a terminal state, never cleared.
func (m *Manager) applyStateLocked(s *Session, next State) {
	s.State = next
	s.UpdatedAt = m.now()
	if next.IsTerminal() && s.CompletedAt == nil {
		t := m.now()
		s.CompletedAt = &t
	}
}

// mutate runs fn against the live session and bumps updatedAt.
func (m *Manager) mutate(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	fn(s)
	s.UpdatedAt = m.now()
	m.persistLocked()
	return nil
}

// SetDomain records the resolved target domain.
func (m *Manager) SetDomain(id, domain string) error {
	return m.mutate(id, func(s *Session) { s.Domain = strings.ToLower(domain) })
}

// SetURL records the task URL.
func (m *Manager) SetURL(id, url string) error {
	return m.mutate(id, func(s *Session) { s.URL = url })
}

// SetSiteKnowledge stores the opaque knowledge blob for the session's domain.
func (m *Manager) SetSiteKnowledge(id, knowledge string) error {
	return m.mutate(id, func(s *Session) { s.SiteKnowledge = knowledge })
}

// SetPlan stores the plan text.
func (m *Manager) SetPlan(id, plan string) error {
	return m.mutate(id, func(s *Session) { s.Plan = plan })
}

// AddCollectedInfo shallow-merges the given map. Keys are case-folded,
// except internal markers ("_"-prefixed) which keep their exact spelling.
func (m *Manager) AddCollectedInfo(id string, info map[string]string) error {
	return m.mutate(id, func(s *Session) {
		for k, v := range info {
			if !strings.HasPrefix(k, "_") {
				k = strings.ToLower(k)
			}
			s.CollectedInfo[k] = v
		}
	})
}

// SetPendingQuestions replaces the pending question list.
func (m *Manager) SetPendingQuestions(id string, qs []PendingQuestion) error {
	return m.mutate(id, func(s *Session) {
		s.PendingQuestions = make([]PendingQuestion, len(qs))
		copy(s.PendingQuestions, qs)
	})
}

// AddTraceEntry appends to the execution trace. The trace never shrinks or
// reorders.
func (m *Manager) AddTraceEntry(id string, entry TraceEntry) error {
	return m.mutate(id, func(s *Session) {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = m.now()
		}
		s.ExecutionTrace = append(s.ExecutionTrace, entry)
	})
}

// SetCurrentStep records what the execution surface is doing right now.
func (m *Manager) SetCurrentStep(id, step string) error {
	return m.mutate(id, func(s *Session) { s.CurrentStep = step })
}

// SetAnswer stores the final answer.
func (m *Manager) SetAnswer(id, answer string) error {
	return m.mutate(id, func(s *Session) { s.Answer = answer })
}

// SetError stores the error message verbatim.
func (m *Manager) SetError(id, msg string) error {
	return m.mutate(id, func(s *Session) { s.Error = msg })
}

// StartReaper launches the periodic reaper tick. Safe to call once.
func (m *Manager) StartReaper() {
	m.reaperOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.cfg.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.reaperStop:
					return
				case <-ticker.C:
					m.ReapOnce()
				}
			}
		}()
	})
}

// StopReaper stops the reaper goroutine.
func (m *Manager) StopReaper() {
	select {
	case <-m.reaperStop:
	default:
		close(m.reaperStop)
	}
}

// ReapOnce performs one reaper pass: terminal+stale sessions are evicted,
// non-terminal stale sessions are force-failed so their history remains
// inspectable. The force-fail is the one legal bypass of the edge table.
func (m *Manager) ReapOnce() (evicted, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.StaleAfter)
	for id, s := range m.sessions {
		if s.UpdatedAt.After(cutoff) {
			continue
		}
		if s.State.IsTerminal() {
			delete(m.sessions, id)
			evicted++
			continue
		}
		s.Error = "timed out"
		m.applyStateLocked(s, StateFailed)
		failed++
		logging.Session("Reaper force-failed stale session %s", id)
	}
	if evicted > 0 || failed > 0 {
		m.persistLocked()
	}
	return evicted, failed
}

// persist writes a snapshot if configured. Best effort.
func (m *Manager) persist() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.persistLocked()
}

func (m *Manager) persistLocked() {
	if m.cfg.SnapshotPath == "" {
		return
	}
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.cfg.SnapshotPath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(m.cfg.SnapshotPath, data, 0o644)
}

func joinStates(states []State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
