package server

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/keychat-io/keychat/pkg/directory"
)

const challengeBits = 1024

// challengeRecord is the outstanding challenge for one connection. A new
// auth-request replaces it; verification never consumes it, so a client may
// retry the same still-current challenge.
type challengeRecord struct {
	hex      string
	issuedAt time.Time
}

// authState is a connection's authentication verdict. Created on open as
// unauthenticated, flipped exactly once by a successful verification,
// destroyed on close.
type authState struct {
	authenticated bool
	identityID    string
	username      string
}

// Authenticator runs the per-connection challenge-response state machine.
// It owns all challenge and authentication state; the router and handlers
// only ever ask for the verdict.
type Authenticator struct {
	dir *directory.Directory

	mu         sync.RWMutex
	challenges map[uint64]*challengeRecord
	states     map[uint64]*authState
}

// NewAuthenticator creates an authenticator backed by the given directory.
func NewAuthenticator(dir *directory.Directory) *Authenticator {
	return &Authenticator{
		dir:        dir,
		challenges: make(map[uint64]*challengeRecord),
		states:     make(map[uint64]*authState),
	}
}

// Open initializes state for a new connection: unauthenticated, no
// challenge.
func (a *Authenticator) Open(sessionID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[sessionID] = &authState{}
	delete(a.challenges, sessionID)
}

// IssueChallenge generates a fresh 1024-bit random challenge for the
// connection, replacing any prior one (a stale challenge can never be
// replayed), and returns its hex encoding.
func (a *Authenticator) IssueChallenge(sessionID uint64) (string, error) {
	buf := make([]byte, challengeBits/8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	challengeHex := new(big.Int).SetBytes(buf).Text(16)

	a.mu.Lock()
	a.challenges[sessionID] = &challengeRecord{
		hex:      challengeHex,
		issuedAt: time.Now(),
	}
	a.mu.Unlock()

	return challengeHex, nil
}

// Verify checks a signature over the connection's outstanding challenge
// against the public key registered for username. Fails closed when no
// challenge is outstanding, the username is unknown, or the signature hex is
// invalid; the caller cannot tell which (auth failures never leak whether
// the user exists).
//
// The expected value is SHA-256 over the UTF-8 bytes of the challenge hex
// string, and the candidate is signature^e mod n. This raw modexp transform
// is NOT a standards-compliant signature scheme (no padding) and is only
// safe inside this closed protocol; it must not be swapped for a padded
// scheme without breaking existing clients.
func (a *Authenticator) Verify(sessionID uint64, signatureHex, username string) bool {
	a.mu.RLock()
	challenge := a.challenges[sessionID]
	a.mu.RUnlock()
	if challenge == nil {
		return false
	}

	user, ok := a.dir.Lookup(username)
	if !ok {
		return false
	}

	signature, ok := new(big.Int).SetString(signatureHex, 16)
	if !ok || signature.Sign() < 0 {
		return false
	}

	digest := sha256.Sum256([]byte(challenge.hex))
	expected := new(big.Int).SetBytes(digest[:])
	candidate := new(big.Int).Exp(signature, user.PublicKeyE, user.PublicKeyN)

	if expected.Cmp(candidate) != 0 {
		// State stays at challenge-issued: the client may retry with the
		// same challenge or request a new one
		return false
	}

	a.mu.Lock()
	a.states[sessionID] = &authState{
		authenticated: true,
		identityID:    user.IdentityID,
		username:      user.Username,
	}
	a.mu.Unlock()
	return true
}

// IsAuthenticated reports whether the connection has passed verification.
func (a *Authenticator) IsAuthenticated(sessionID uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.states[sessionID]
	return st != nil && st.authenticated
}

// Identity returns the authenticated identity bound to the connection.
func (a *Authenticator) Identity(sessionID uint64) (identityID, username string, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st := a.states[sessionID]
	if st == nil || !st.authenticated {
		return "", "", false
	}
	return st.identityID, st.username, true
}

// HasChallenge reports whether a challenge is outstanding for the
// connection.
func (a *Authenticator) HasChallenge(sessionID uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.challenges[sessionID] != nil
}

// Close atomically discards the connection's challenge and authentication
// state so nothing lingers for a reused connection ID.
func (a *Authenticator) Close(sessionID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.challenges, sessionID)
	delete(a.states, sessionID)
}
