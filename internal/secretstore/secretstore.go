// Package secretstore keeps pairing secrets encrypted at rest.
package secretstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"bizsync-p2p/internal/cryptoutil"
	"bizsync-p2p/internal/domain"
	"bizsync-p2p/internal/sqlitedb"
)

// Store is the secure-storage collaborator the pairing engine writes to.
type Store interface {
	Save(ctx context.Context, pairingID string, secret []byte) error
	Load(ctx context.Context, pairingID string) ([]byte, error)
	Delete(ctx context.Context, pairingID string) error
}

type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

var DefaultKDF = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

var ErrWrongPassphrase = errors.New("secret store passphrase does not match")

const verifierText = "bizsync secret store"

const schema = `
CREATE TABLE IF NOT EXISTS kdf (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	salt BLOB NOT NULL,
	time INTEGER NOT NULL,
	memory INTEGER NOT NULL,
	threads INTEGER NOT NULL,
	verifier BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	pairing_id TEXT PRIMARY KEY,
	sealed BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// SQLite stores each secret sealed with XChaCha20-Poly1305 under a key
// stretched from the passphrase with argon2id. The pairing id is bound as
// additional data, so a row copied under another id fails to open.
type SQLite struct {
	db  *sql.DB
	key []byte
}

// Open creates the store on first use with params; later opens reuse the
// params recorded in the file and reject a different passphrase.
func Open(path, passphrase string, params KDFParams) (*SQLite, error) {
	db, err := sqlitedb.Open(path, schema)
	if err != nil {
		return nil, err
	}

	key, err := loadKey(db, passphrase, params)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db, key: key}, nil
}

func loadKey(db *sql.DB, passphrase string, params KDFParams) ([]byte, error) {
	var (
		salt, verifier []byte
		p              KDFParams
	)
	err := db.QueryRow(`SELECT salt, time, memory, threads, verifier FROM kdf WHERE id = 1`).
		Scan(&salt, &p.Time, &p.Memory, &p.Threads, &verifier)

	if errors.Is(err, sql.ErrNoRows) {
		salt, err = cryptoutil.RandomBytes(16)
		if err != nil {
			return nil, err
		}
		key := stretch(passphrase, salt, params)
		verifier, err = cryptoutil.Seal(key, []byte(verifierText), nil)
		if err != nil {
			return nil, err
		}
		_, err = db.Exec(`INSERT INTO kdf (id, salt, time, memory, threads, verifier) VALUES (1, ?, ?, ?, ?, ?)`,
			salt, params.Time, params.Memory, params.Threads, verifier)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise key params: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key params: %w", err)
	}

	key := stretch(passphrase, salt, p)
	if plain, err := cryptoutil.Open(key, verifier, nil); err != nil || string(plain) != verifierText {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

func stretch(passphrase string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Threads, cryptoutil.KeySize)
}

// Save replaces any previous secret for pairingID in one transaction.
func (s *SQLite) Save(ctx context.Context, pairingID string, secret []byte) error {
	sealed, err := cryptoutil.Seal(s.key, secret, []byte(pairingID))
	if err != nil {
		return domain.E(domain.KindInternal, "secretstore.Save", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.E(domain.KindInternal, "secretstore.Save", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO secrets (pairing_id, sealed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(pairing_id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at
	`, pairingID, sealed, time.Now().UTC())
	if err != nil {
		return domain.E(domain.KindInternal, "secretstore.Save", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.E(domain.KindInternal, "secretstore.Save", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, pairingID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM secrets WHERE pairing_id = ?`, pairingID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.E(domain.KindNotFound, "secretstore.Load", domain.ErrSecretNotFound)
	}
	if err != nil {
		return nil, domain.E(domain.KindInternal, "secretstore.Load", err)
	}

	secret, err := cryptoutil.Open(s.key, sealed, []byte(pairingID))
	if err != nil {
		return nil, domain.E(domain.KindAuthentication, "secretstore.Load", err)
	}
	return secret, nil
}

func (s *SQLite) Delete(ctx context.Context, pairingID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE pairing_id = ?`, pairingID); err != nil {
		return domain.E(domain.KindInternal, "secretstore.Delete", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// Memory is a Store for tests.
type Memory struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{secrets: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, pairingID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[pairingID] = append([]byte(nil), secret...)
	return nil
}

func (m *Memory) Load(_ context.Context, pairingID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[pairingID]
	if !ok {
		return nil, domain.E(domain.KindNotFound, "secretstore.Load", domain.ErrSecretNotFound)
	}
	return append([]byte(nil), s...), nil
}

func (m *Memory) Delete(_ context.Context, pairingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, pairingID)
	return nil
}

// Len reports how many secrets are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.secrets)
}
