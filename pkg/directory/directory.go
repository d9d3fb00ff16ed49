// Package directory maintains the persisted registry of users. A user is
// identified by their public key, not their username: the identity ID is a
// hash of the key material, and a given key pair can register at most one
// username.
package directory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrKeyTaken indicates the public key is already registered under
	// another username.
	ErrKeyTaken = errors.New("public key already registered")
)

// User is a registered user record. Immutable once inserted; there is no
// update or delete path.
type User struct {
	Username     string
	PublicKeyN   *big.Int
	PublicKeyE   *big.Int
	IdentityID   string
	RegisteredAt int64 // unix milliseconds
}

// IdentityID derives the stable identity for a public key:
// hex(SHA-256(hex(n) + ":" + hex(e))). Deterministic, so the same key pair
// always maps to the same identity regardless of username.
func IdentityID(n, e *big.Int) string {
	sum := sha256.Sum256([]byte(n.Text(16) + ":" + e.Text(16)))
	return hex.EncodeToString(sum[:])
}

// Directory is the in-memory index over the durable user store. Entries are
// immutable after insertion, so reads need only the map locks; registrations
// are serialized by a single lock since they are rare relative to lookups.
type Directory struct {
	store *Store

	mu         sync.RWMutex
	byIdentity map[string]*User
	byUsername map[string]*User

	regMu sync.Mutex // serializes Register calls end to end
}

// Open opens (or creates) the user store at path and loads every readable
// record into the index. Records that fail to load are skipped, not fatal.
func Open(path string) (*Directory, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}

	users, err := store.LoadUsers()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load users: %w", err)
	}

	d := &Directory{
		store:      store,
		byIdentity: make(map[string]*User),
		byUsername: make(map[string]*User),
	}
	for _, u := range users {
		d.byIdentity[u.IdentityID] = u
		d.byUsername[u.Username] = u
	}
	return d, nil
}

// Register adds a new user. Both uniqueness checks happen under the
// registration lock: a username collision reports ErrUsernameTaken and a key
// collision (same key pair under a different name) reports ErrKeyTaken. The
// record is persisted before it becomes visible in the index.
func (d *Directory) Register(username string, n, e *big.Int) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	identityID := IdentityID(n, e)

	d.mu.RLock()
	_, nameTaken := d.byUsername[username]
	_, keyTaken := d.byIdentity[identityID]
	d.mu.RUnlock()

	if nameTaken {
		return ErrUsernameTaken
	}
	if keyTaken {
		return ErrKeyTaken
	}

	user := &User{
		Username:     username,
		PublicKeyN:   new(big.Int).Set(n),
		PublicKeyE:   new(big.Int).Set(e),
		IdentityID:   identityID,
		RegisteredAt: time.Now().UnixMilli(),
	}

	if err := d.store.SaveUser(user); err != nil {
		return fmt.Errorf("persist user %s: %w", username, err)
	}

	d.mu.Lock()
	d.byIdentity[identityID] = user
	d.byUsername[username] = user
	d.mu.Unlock()

	return nil
}

// Exists reports whether a username is registered.
func (d *Directory) Exists(username string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byUsername[username]
	return ok
}

// Lookup returns the user registered under username.
func (d *Directory) Lookup(username string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byUsername[username]
	return u, ok
}

// LookupByIdentity returns the user for a public-key identity.
func (d *Directory) LookupByIdentity(identityID string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byIdentity[identityID]
	return u, ok
}

// PublicKey returns the verification key registered for username.
func (d *Directory) PublicKey(username string) (n, e *big.Int, ok bool) {
	u, ok := d.Lookup(username)
	if !ok {
		return nil, nil, false
	}
	return u.PublicKeyN, u.PublicKeyE, true
}

// Usernames returns all registered usernames.
func (d *Directory) Usernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.byUsername))
	for name := range d.byUsername {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered users.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUsername)
}

// Close closes the underlying store.
func (d *Directory) Close() error {
	return d.store.Close()
}
