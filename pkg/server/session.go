package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/linechat/linechat/pkg/protocol"
)

var (
	// ErrUsernameTaken indicates the requested username collides with a
	// live session.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrSessionNotFound indicates no live session has the given username.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNamePoolExhausted indicates guest name generation kept colliding.
	ErrNamePoolExhausted = errors.New("guest name pool exhausted")
)

// Session represents one connected client for the lifetime of its connection.
// The username is mutable via rename; moderation state lives here but is
// coordinated by the Moderator.
type Session struct {
	ID   uint64
	Conn Conn

	mu         sync.RWMutex
	username   string
	banned     bool
	reportedBy map[uint64]struct{} // reporter session IDs
}

// Username returns the current username.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// IsBanned reports whether the session is currently banned from sending.
func (s *Session) IsBanned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.banned
}

// ReportCount returns the number of distinct reporters.
func (s *Session) ReportCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reportedBy)
}

// SendUpdate encodes and writes one update frame to the session's transport.
func (s *Session) SendUpdate(u protocol.Update) error {
	payload, err := u.Encode()
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	return s.Conn.Transfer(payload)
}

func (s *Session) String() string {
	return fmt.Sprintf("Session(%d, %q)", s.ID, s.Username())
}

// SessionManager is the registry of live sessions. It enforces username
// uniqueness and supports lookup by username. A single instance is owned by
// the Server and injected into every component that needs it.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byName   map[string]*Session
	nextID   atomic.Uint64

	nameAttempts int
	metrics      *Metrics
}

// NewSessionManager creates an empty registry. nameAttempts bounds guest name
// generation retries before Create gives up.
func NewSessionManager(nameAttempts int, metrics *Metrics) *SessionManager {
	if nameAttempts <= 0 {
		nameAttempts = 16
	}
	return &SessionManager{
		sessions:     make(map[uint64]*Session),
		byName:       make(map[string]*Session),
		nameAttempts: nameAttempts,
		metrics:      metrics,
	}
}

// guestName draws a candidate username from the uuid space.
func guestName() string {
	return "guest-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// Create allocates a Session with a generated unique guest username and
// inserts it into the registry. Fails with ErrNamePoolExhausted if every
// candidate name collides.
func (sm *SessionManager) Create(conn Conn) (*Session, error) {
	sess := &Session{
		ID:         sm.nextID.Add(1),
		Conn:       conn,
		reportedBy: make(map[uint64]struct{}),
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i := 0; i < sm.nameAttempts; i++ {
		name := guestName()
		if _, taken := sm.byName[name]; taken {
			continue
		}
		sess.username = name
		sm.sessions[sess.ID] = sess
		sm.byName[name] = sess
		if sm.metrics != nil {
			sm.metrics.SessionOpened(len(sm.sessions))
		}
		return sess, nil
	}
	return nil, ErrNamePoolExhausted
}

// Get looks a session up by username.
func (sm *SessionManager) Get(username string) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.byName[username]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, username)
	}
	return sess, nil
}

// All returns a point-in-time snapshot of live sessions. Safe to iterate
// while sessions join or leave.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Rename atomically re-keys a session. Fails with ErrUsernameTaken when the
// new name belongs to any live session (including sess itself).
func (sm *SessionManager) Rename(sess *Session, newName string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, taken := sm.byName[newName]; taken {
		return fmt.Errorf("%w: %q", ErrUsernameTaken, newName)
	}

	sess.mu.Lock()
	old := sess.username
	sess.username = newName
	sess.mu.Unlock()

	delete(sm.byName, old)
	sm.byName[newName] = sess
	return nil
}

// Remove deletes a session from the registry and releases its transport.
// Removing an absent session is a no-op.
func (sm *SessionManager) Remove(sess *Session) {
	sm.mu.Lock()
	if _, ok := sm.sessions[sess.ID]; !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sess.ID)
	delete(sm.byName, sess.username)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.SessionClosed(count)
	}
	sess.Conn.Close()
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session's transport and empties the registry.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[uint64]*Session)
	sm.byName = make(map[string]*Session)
}
