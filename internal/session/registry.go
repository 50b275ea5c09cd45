// Package session tracks the per-connection conversation sessions and their
// lifecycle timers.
//
// Exactly one session exists per connection. Session IDs are UUIDv7 values,
// so they are 128-bit, unique, and sortable by creation time; the engines
// and the client all use the session ID as the correlation key.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session.
type State string

const (
	// StateIdle is the initial state after channel acceptance.
	StateIdle State = "idle"

	// StateActive is entered on the first audio-start frame.
	StateActive State = "active"

	// StateEnded is entered on audio-end or channel close.
	StateEnded State = "ended"
)

// Metadata holds the client-declared stream parameters for a session.
type Metadata struct {
	SampleRate int
	VoiceID    string
	Language   string
	RemoteAddr string
	UserAgent  string
}

// Session is the registry's record for one connection.
type Session struct {
	ConnectionID string
	SessionID    string
	State        State
	Metadata     Metadata

	CreatedAt      time.Time
	LastActivityAt time.Time

	// Attachment flags record which engines successfully created per-session
	// state at channel open. Teardown only calls End on attached engines.
	STTAttached bool
	TTSAttached bool
	LLMAttached bool
}

// Config holds the registry's sweep tuning. Zero values are replaced with the
// defaults documented on each field.
type Config struct {
	// IdleTimeout evicts sessions with no activity for this long. Default 30m.
	IdleTimeout time.Duration

	// MaxDuration evicts sessions older than this. Default 2h.
	MaxDuration time.Duration

	// CleanupInterval is the sweep period. Default 5m.
	CleanupInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 2 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
}

// Registry maps connections to sessions. It keeps a reverse index from
// session ID to connection ID so engine callbacks can resolve the owning
// connection in O(1). All methods are safe for concurrent use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session // connectionID → session
	byID     map[string]string   // sessionID → connectionID

	// onEvict, when set, is invoked outside the lock for every session the
	// sweep removes.
	onEvict func(s Session)

	// now is replaceable in tests.
	now func() time.Time
}

// NewRegistry creates an empty Registry with the given sweep configuration.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byID:     make(map[string]string),
		now:      time.Now,
	}
}

// OnEvict registers fn to be called for every session removed by the periodic
// sweep. Must be called before Run.
func (r *Registry) OnEvict(fn func(s Session)) {
	r.onEvict = fn
}

// Create registers a new session for connectionID and returns it. If a
// session already exists for the connection, the existing session is returned
// unchanged; a connection never owns two sessions.
func (r *Registry) Create(connectionID string, meta Metadata) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[connectionID]; ok {
		slog.Warn("session already exists for connection, reusing",
			"connection_id", connectionID,
			"session_id", existing.SessionID,
		)
		return existing
	}

	now := r.now()
	s := &Session{
		ConnectionID:   connectionID,
		SessionID:      newSessionID(),
		State:          StateIdle,
		Metadata:       meta,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.sessions[connectionID] = s
	r.byID[s.SessionID] = connectionID
	return s
}

// Get returns a copy of the session for connectionID.
func (r *Registry) Get(connectionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// GetBySessionID resolves sessionID through the reverse index and returns a
// copy of the session.
func (r *Registry) GetBySessionID(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byID[sessionID]
	if !ok {
		return Session{}, false
	}
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Update applies fn to the session for connectionID inside the registry's
// critical section. Returns false when no session exists. fn must not block.
func (r *Registry) Update(connectionID string, fn func(s *Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// UpdateState sets the session's lifecycle state and touches its activity
// timestamp.
func (r *Registry) UpdateState(connectionID string, state State) bool {
	return r.Update(connectionID, func(s *Session) {
		s.State = state
		s.LastActivityAt = r.now()
	})
}

// Touch refreshes the session's activity timestamp.
func (r *Registry) Touch(connectionID string) {
	r.Update(connectionID, func(s *Session) {
		s.LastActivityAt = r.now()
	})
}

// Delete removes the session for connectionID, including its reverse index
// entry. Deleting a missing session is a no-op.
func (r *Registry) Delete(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connectionID]; ok {
		delete(r.byID, s.SessionID)
		delete(r.sessions, connectionID)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run executes the periodic sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep removes sessions past their maximum duration or idle timeout and
// reports how many were evicted. It is exported for tests and for the final
// drain during shutdown.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	var evicted []Session
	for connID, s := range r.sessions {
		age := now.Sub(s.CreatedAt)
		idle := now.Sub(s.LastActivityAt)
		if age < r.cfg.MaxDuration && idle < r.cfg.IdleTimeout {
			continue
		}
		slog.Info("sweeping stale session",
			"session_id", s.SessionID,
			"age", age,
			"idle", idle,
		)
		evicted = append(evicted, *s)
		delete(r.byID, s.SessionID)
		delete(r.sessions, connID)
	}
	r.mu.Unlock()

	if r.onEvict != nil {
		for _, s := range evicted {
			r.onEvict(s)
		}
	}
	return len(evicted)
}

// newSessionID returns a UUIDv7 string. V7 generation can only fail when the
// entropy source does, in which case a random V4 is still a valid session key.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
