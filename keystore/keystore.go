// Package keystore provides the encrypted key-value vault backing the key
// manager. Secrets are kept in a SQLite database and every value is sealed
// with XChaCha20-Poly1305 under a data encryption key (DEK). When a
// hardware-backed sealer is available it protects the DEK; otherwise the DEK
// is derived from the application namespace and a per-install random salt.
package keystore

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
	_ "modernc.org/sqlite"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key is not present in the vault.
	ErrNotFound = errors.New("keystore: key not found")
	// ErrInvalidData is returned when a stored value cannot be
	// authenticated or deciphered. It is never masked as empty data.
	ErrInvalidData = errors.New("keystore: stored value is not decipherable")
)

// Sealer protects the vault's DEK with platform key material (secure
// element, TPM, OS keystore). Implementations live in the host application.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

const (
	metaInstallSalt = "install_salt"
	metaSealedDEK   = "sealed_dek"

	softwareDEKScryptN = 1 << 15
	softwareDEKScryptR = 8
	softwareDEKScryptP = 1
)

// Store is an encrypted key-value vault. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	dek       []byte
	namespace string
	hardware  bool

	mu sync.RWMutex
}

// Open opens (creating if needed) the vault at path. Use ":memory:" for an
// ephemeral vault in tests. namespace is a stable per-install prefix that
// keeps this application's secrets from colliding with anything else sharing
// the storage. A nil sealer selects the software DEK fallback.
func Open(path, namespace string, sealer Sealer) (*Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("keystore: namespace must not be empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, namespace: namespace}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.initDEK(sealer); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().
		Str("namespace", namespace).
		Bool("hardware_backed", s.hardware).
		Msg("Keystore opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS secrets (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS _metadata (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// initDEK establishes the data encryption key. With a sealer, a random DEK
// is generated once and persisted sealed; without one, the DEK is derived
// from the namespace and the per-install salt.
func (s *Store) initDEK(sealer Sealer) error {
	salt, err := s.loadOrCreateMeta(metaInstallSalt, 32)
	if err != nil {
		return err
	}

	if sealer != nil {
		sealed, err := s.getMeta(metaSealedDEK)
		if err == nil {
			dek, err := sealer.Open(sealed)
			if err != nil {
				return fmt.Errorf("failed to unseal DEK: %w", err)
			}
			s.dek = dek
			s.hardware = true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		dek := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(dek); err != nil {
			return fmt.Errorf("failed to generate DEK: %w", err)
		}
		sealed, err = sealer.Seal(dek)
		if err != nil {
			return fmt.Errorf("failed to seal DEK: %w", err)
		}
		if err := s.setMeta(metaSealedDEK, sealed); err != nil {
			return err
		}
		s.dek = dek
		s.hardware = true
		return nil
	}

	dek, err := scrypt.Key([]byte(s.namespace), salt,
		softwareDEKScryptN, softwareDEKScryptR, softwareDEKScryptP,
		chacha20poly1305.KeySize)
	if err != nil {
		return fmt.Errorf("failed to derive software DEK: %w", err)
	}
	s.dek = dek
	return nil
}

// HardwareBacked reports whether the DEK is protected by a hardware sealer.
func (s *Store) HardwareBacked() bool { return s.hardware }

// Get retrieves and decrypts the value stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enc []byte
	err := s.db.QueryRow(
		`SELECT value FROM secrets WHERE key = ?`, s.scopedKey(key),
	).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}

	plain, err := s.decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, key)
	}
	return plain, nil
}

// Set encrypts and stores value under key, replacing any previous value.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc, err := s.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO secrets (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, s.scopedKey(key), enc, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting a missing key is not
// an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM secrets WHERE key = ?`, s.scopedKey(key)); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return nil
}

// Close closes the vault.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) scopedKey(key string) string {
	return s.namespace + "/" + key
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:aead.NonceSize()]
	return aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
}

func (s *Store) getMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) setMeta(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO _metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store metadata %q: %w", key, err)
	}
	return nil
}

func (s *Store) loadOrCreateMeta(key string, size int) ([]byte, error) {
	value, err := s.getMeta(key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	value = make([]byte, size)
	if _, err := rand.Read(value); err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w", key, err)
	}
	if err := s.setMeta(key, value); err != nil {
		return nil, err
	}
	return value, nil
}
