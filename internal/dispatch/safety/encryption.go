package safety

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize           = 32 // AES-256
	nonceSize         = 12
	saltSize          = 16
	pbkdf2Iterations  = 480000 // OWASP 2023 recommendation for SHA-256
	encryptedPrefix   = "ENC:v1:"
	machineSaltFile   = ".encryption_key_salt"
)

// ErrInvalidEnvelope is returned when a stored value claims the ENC:v1:
// prefix but is not well-formed.
var ErrInvalidEnvelope = errors.New("safety: malformed encryption envelope")

// IsEncrypted reports whether value starts with the ENC:v1: envelope
// prefix rather than being plaintext; the rest is not checked (pre-encryption migration compatibility, per
// spec.md section 6).
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}

// Encryptor performs AES-256-GCM encryption of secrets at rest. The master
// key is derived via PBKDF2-SHA256 from a machine identifier and a
// per-install salt persisted at baseDir/.encryption_key_salt, generated on
// first use. Each stored value carries its own random salt and nonce, so
// two Encrypt calls on the same plaintext never produce the same envelope.
type Encryptor struct {
	masterKey []byte
}

// NewEncryptor derives the master key from machineID using the salt file
// under baseDir, creating the salt file on first use. If override is
// exactly 32 bytes (a decoded master-key override) it is used as the
// master key directly and no salt file is read or written; an override of
// any other length is ignored.
func NewEncryptor(baseDir, machineID string, override []byte) (*Encryptor, error) {
	if len(override) == keySize {
		return &Encryptor{masterKey: override}, nil
	}

	salt, err := loadOrCreateMachineSalt(baseDir)
	if err != nil {
		return nil, fmt.Errorf("safety: machine salt: %w", err)
	}

	key := pbkdf2.Key([]byte(machineID), salt, pbkdf2Iterations, keySize, sha256.New)
	return &Encryptor{masterKey: key}, nil
}

func loadOrCreateMachineSalt(baseDir string) ([]byte, error) {
	path := filepath.Join(baseDir, machineSaltFile)

	if data, err := os.ReadFile(path); err == nil && len(data) == saltSize {
		return data, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// deriveValueKey derives a per-value key from the master key using a
// random per-value salt, the way the original derives a fresh key per
// encrypted value instead of reusing the master key directly.
func (e *Encryptor) deriveValueKey(salt []byte) []byte {
	return pbkdf2.Key(e.masterKey, salt, pbkdf2Iterations, keySize, sha256.New)
}

// Encrypt returns plaintext unchanged if it is empty or already an ENC:v1:
// envelope (decryption of plaintext is the identity, per spec.md testable
// property 4's decrypt(encrypt(x))=x and the migration-compatibility rule
// in section 6). Otherwise it returns a fresh ENC:v1:<salt>:<nonce>:<ct>
// envelope.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(e.deriveValueKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	return encryptedPrefix +
		base64.StdEncoding.EncodeToString(salt) + ":" +
		base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. A value that is not an ENC:v1: envelope is
// returned unchanged (plaintext migration compatibility).
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	parts := strings.Split(strings.TrimPrefix(value, encryptedPrefix), ":")
	if len(parts) != 3 {
		return "", ErrInvalidEnvelope
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidEnvelope
	}

	block, err := aes.NewCipher(e.deriveValueKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("safety: decrypt: %w", err)
	}
	return string(plaintext), nil
}
