package server

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/keychat-io/keychat/pkg/directory"
	"github.com/keychat-io/keychat/pkg/protocol"
)

var (
	// ErrRecipientUnknown indicates the recipient is not registered at all.
	ErrRecipientUnknown = errors.New("recipient does not exist")
	// ErrRecipientOffline indicates the recipient is registered but has no
	// live connection. The message is dropped; there is no offline queue.
	ErrRecipientOffline = errors.New("recipient offline")
)

// Router owns the presence table (username → connection) and routes chat
// records to one recipient or to every open connection. Routing errors are
// reported to the sender only; broadcast failures are logged per target and
// never abort the loop.
type Router struct {
	dir      *directory.Directory
	sessions *SessionManager
	metrics  *Metrics

	mu       sync.RWMutex
	presence map[string]uint64 // username -> session ID
}

// NewRouter creates a router over the given directory and session manager.
func NewRouter(dir *directory.Directory, sessions *SessionManager) *Router {
	return &Router{
		dir:      dir,
		sessions: sessions,
		presence: make(map[string]uint64),
	}
}

// SetMetrics attaches metrics to the router.
func (r *Router) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Bind makes sessionID the delivery target for username. Called on every
// successful authentication and on every authenticated inbound record, so
// the most recently active connection always wins; a reconnect under the
// same username silently displaces the old entry.
func (r *Router) Bind(username string, sessionID uint64) {
	r.mu.Lock()
	r.presence[username] = sessionID
	r.mu.Unlock()
}

// Unbind removes any presence entry pointing at sessionID. Linear scan;
// presence tables stay small at this scale.
func (r *Router) Unbind(sessionID uint64) {
	r.mu.Lock()
	for username, id := range r.presence {
		if id == sessionID {
			delete(r.presence, username)
		}
	}
	r.mu.Unlock()
}

// OnlineUsers returns the sorted set of usernames with a live presence
// entry.
func (r *Router) OnlineUsers() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.presence))
	for username := range r.presence {
		users = append(users, username)
	}
	r.mu.RUnlock()
	sort.Strings(users)
	return users
}

// IsOnline reports whether username has a live presence entry.
func (r *Router) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.presence[username]
	return ok
}

// Route delivers a chat record. A set recipient means direct delivery to
// exactly that user; an empty recipient means broadcast to every open
// connection, authenticated or not.
func (r *Router) Route(rec *protocol.ChatRecord) error {
	if rec.Recipient != "" {
		return r.routeDirect(rec)
	}
	r.broadcast(rec)
	return nil
}

// routeDirect delivers the record verbatim to the recipient's connection.
func (r *Router) routeDirect(rec *protocol.ChatRecord) error {
	r.mu.RLock()
	sessionID, online := r.presence[rec.Recipient]
	r.mu.RUnlock()

	if !online {
		if !r.dir.Exists(rec.Recipient) {
			r.recordRoute("unknown")
			return ErrRecipientUnknown
		}
		r.recordRoute("offline")
		return ErrRecipientOffline
	}

	target, ok := r.sessions.GetSession(sessionID)
	if !ok {
		// Presence entry outlived its session; treat as a disconnect
		r.Unbind(sessionID)
		r.recordRoute("offline")
		return ErrRecipientOffline
	}

	frame, err := rec.Encode()
	if err != nil {
		return err
	}
	if err := target.Conn.WriteFrame(frame); err != nil {
		debugLog.Printf("Session %d: direct send to %s failed: %v", sessionID, rec.Recipient, err)
		r.recordRoute("offline")
		return ErrRecipientOffline
	}

	r.recordRoute("delivered")
	return nil
}

// broadcast stamps the record with the server time and fans it out to every
// open connection. Individual send failures are logged and skipped.
func (r *Router) broadcast(rec *protocol.ChatRecord) {
	stamped := *rec
	stamped.Timestamp = time.Now().UnixMilli()

	frame, err := stamped.Encode()
	if err != nil {
		errorLog.Printf("Broadcast encode failed: %v", err)
		return
	}

	sent := 0
	for _, sess := range r.sessions.GetAllSessions() {
		if err := sess.Conn.WriteFrame(frame); err != nil {
			debugLog.Printf("Session %d: broadcast send failed: %v", sess.ID, err)
			continue
		}
		sent++
	}
	debugLog.Printf("Broadcast from %s delivered to %d sessions", rec.Sender, sent)
	r.recordRoute("broadcast")
}

// BroadcastPresence sends the current online-user snapshot to every open
// connection.
func (r *Router) BroadcastPresence() {
	frame, err := protocol.FormatOnlineUsers(r.OnlineUsers())
	if err != nil {
		errorLog.Printf("Presence snapshot encode failed: %v", err)
		return
	}
	for _, sess := range r.sessions.GetAllSessions() {
		if err := sess.Conn.WriteFrame(frame); err != nil {
			debugLog.Printf("Session %d: presence send failed: %v", sess.ID, err)
		}
	}
}

// PublicKeyLookup returns the verification key registered for username.
// Pure pass-through to the directory: the server only ever hands out public
// keys so peers can validate end-to-end signed payloads themselves.
func (r *Router) PublicKeyLookup(username string) (n, e *big.Int, ok bool) {
	return r.dir.PublicKey(username)
}

func (r *Router) recordRoute(result string) {
	if r.metrics != nil {
		r.metrics.RecordRoute(result)
	}
}
