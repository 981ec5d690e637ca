// Package settings implements the Settings Store: a typed key/value store
// with at-rest encryption for secret-shaped keys. Grounded on
// original_source's server/routes/settings.py and server/services/
// encryption.py (the "never hand an encrypted envelope to a backend
// adapter" invariant is carried verbatim as Store.PlaintextFor's fatal
// auth error) and the teacher's internal/config layering of env override
// over persisted values.
package settings

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/models"
	"github.com/haasonsaas/nexus-dispatch/internal/dispatch/safety"
)

// secretKeySuffixes classifies a setting key as a secret: any key ending in
// one of these is always encrypted at rest.
var secretKeySuffixes = []string{"_api_key", "_token", "_secret", "_password"}

// IsSecretKey reports whether key should be encrypted at rest.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, suffix := range secretKeySuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// AllowedModels is the fixed allow-list model-name changes are validated
// against, per spec.md section 4.8.
var AllowedModels = map[string]bool{}

// SetAllowedModels replaces the allow-list (normally populated from the
// backend adapters' advertised model catalogues at startup).
func SetAllowedModels(models []string) {
	AllowedModels = make(map[string]bool, len(models))
	for _, m := range models {
		AllowedModels[m] = true
	}
}

// Store is the Settings Store. It persists rows in the sqlite database
// passed to it; the probe gives it a database file of its own.
type Store struct {
	mu  sync.RWMutex
	db  *sql.DB
	enc *safety.Encryptor
}

// New opens (creating if necessary) the settings table in db and wires in
// enc for secret encryption/decryption.
func New(db *sql.DB, enc *safety.Encryptor) (*Store, error) {
	s := &Store{db: db, enc: enc}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("settings: create table: %w", err)
	}
	return s, nil
}

// Set stores value under key, encrypting it first if IsSecretKey(key).
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := value
	if IsSecretKey(key) {
		enc, err := s.enc.Encrypt(value)
		if err != nil {
			return fmt.Errorf("settings: encrypt %s: %w", key, err)
		}
		stored = enc
	}

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, stored, time.Now())
	return err
}

// Get returns the decrypted value for key, or ("", false) if absent.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stored string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&stored)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	value, err := s.enc.Decrypt(stored)
	if err != nil {
		return "", false, fmt.Errorf("settings: decrypt %s: %w", key, err)
	}
	return value, true, nil
}

// PlaintextFor returns the decrypted value for key for handoff to a
// backend adapter. It is a fatal error — never a retryable one — for the
// stored value to still look like an encryption envelope after decryption:
// that would mean decryption silently failed to unwrap it (e.g. wrong
// master key), and leaking an envelope string to an external API as if it
// were a credential must never happen silently.
func (s *Store) PlaintextFor(key string) (string, error) {
	value, ok, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("settings: %s not set", key)
	}
	if safety.IsEncrypted(value) {
		return "", fmt.Errorf("settings: %s decrypted to an encryption envelope, refusing to hand to adapter", key)
	}
	return value, nil
}

// VerifySecrets checks, at startup, that every secret-shaped key currently
// stored decrypts to a non-empty plaintext value. It is meant to be called
// once during boot so a corrupted master key or salt file is caught before
// any request is served.
func (s *Store) VerifySecrets() error {
	s.mu.RLock()
	rows, err := s.db.Query(`SELECT key FROM settings`)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return err
		}
		if IsSecretKey(k) {
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		v, err := s.PlaintextFor(k)
		if err != nil {
			return fmt.Errorf("settings: verify %s: %w", k, err)
		}
		if v == "" {
			return fmt.Errorf("settings: secret %s decrypted to empty value", k)
		}
	}
	return nil
}

// ValidateModel checks a proposed model-name change against AllowedModels.
func ValidateModel(model string) error {
	if len(AllowedModels) == 0 {
		return nil // allow-list not yet populated (e.g. during tests)
	}
	if !AllowedModels[model] {
		return fmt.Errorf("settings: model %q is not in the allow-list", model)
	}
	return nil
}

// PermissionLevelFromEnv reads PERMISSION_LEVEL the way spec.md section 6
// specifies (0..3, default LOCAL).
func PermissionLevelFromEnv(get func(string) string) models.PermissionLevel {
	raw := get("PERMISSION_LEVEL")
	if raw == "" {
		return models.PermissionLocal
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return models.PermissionLocal
	}
	return models.ParsePermissionLevel(n)
}
