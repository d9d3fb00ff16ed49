package server

import (
	"sync"
	"sync/atomic"
)

// Session represents an active client connection. Authentication state lives
// in the Authenticator and presence in the Router; the session itself only
// ties a connection ID to its write-synchronized transport.
type Session struct {
	ID         uint64
	Conn       *SafeConn
	RemoteAddr string
	Transport  string // "tcp", "ssh", or "websocket"
}

// SessionManager tracks all live sessions.
type SessionManager struct {
	sessions map[uint64]*Session
	nextID   uint64
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint64]*Session),
		nextID:   1,
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection and returns its session.
func (sm *SessionManager) CreateSession(conn *SafeConn, remoteAddr, transport string) *Session {
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       conn,
		RemoteAddr: remoteAddr,
		Transport:  transport,
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}

	return sess
}

// GetSession returns a session by ID.
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns a snapshot of every live session.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession drops a session from the map. Returns the removed session,
// or nil if it was already gone.
func (sm *SessionManager) RemoveSession(sessionID uint64) *Session {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if ok {
		delete(sm.sessions, sessionID)
	}
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !ok {
		return nil
	}
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
	}
	return sess
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every live connection. Used during shutdown.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}
