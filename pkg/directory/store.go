package directory

import (
	"database/sql"
	"fmt"
	"log"
	"math/big"

	_ "modernc.org/sqlite"
)

// Store is the durable user record store: a single SQLite file holding one
// row per user, keyed by identity ID. The whole table is reloaded into the
// in-memory index at startup; after that the store only sees inserts.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	identity_id   TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	public_key_n  TEXT NOT NULL,
	public_key_e  TEXT NOT NULL,
	registered_at INTEGER NOT NULL
);
`

// OpenStore opens the store at path, creating the file and schema on a fresh
// install.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}

	// Registrations are serialized by the directory; one connection is
	// enough and avoids SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	// WAL keeps readers unblocked during the occasional registration write
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveUser inserts a user record. Key material is stored as lowercase hex,
// matching the identity derivation input.
func (s *Store) SaveUser(u *User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (identity_id, username, public_key_n, public_key_e, registered_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.IdentityID, u.Username, u.PublicKeyN.Text(16), u.PublicKeyE.Text(16), u.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// LoadUsers reads every user record. A row that cannot be decoded (bad hex,
// empty fields) is logged and skipped so one corrupt
// record never takes the rest of the directory down with it.
func (s *Store) LoadUsers() ([]*User, error) {
	rows, err := s.db.Query(
		`SELECT identity_id, username, public_key_n, public_key_e, registered_at FROM users`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var identityID, username, nHex, eHex string
		var registeredAt int64
		if err := rows.Scan(&identityID, &username, &nHex, &eHex, &registeredAt); err != nil {
			log.Printf("Skipping unreadable user record: %v", err)
			continue
		}

		u, err := decodeUser(identityID, username, nHex, eHex, registeredAt)
		if err != nil {
			log.Printf("Skipping corrupt user record %s: %v", identityID, err)
			continue
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

func decodeUser(identityID, username, nHex, eHex string, registeredAt int64) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("empty username")
	}
	n, ok := new(big.Int).SetString(nHex, 16)
	if !ok {
		return nil, fmt.Errorf("invalid modulus %q", nHex)
	}
	e, ok := new(big.Int).SetString(eHex, 16)
	if !ok {
		return nil, fmt.Errorf("invalid exponent %q", eHex)
	}
	return &User{
		Username:     username,
		PublicKeyN:   n,
		PublicKeyE:   e,
		IdentityID:   identityID,
		RegisteredAt: registeredAt,
	}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
