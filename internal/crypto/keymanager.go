// Package crypto provides passphrase-based sealing of signing material,
// transaction signing, and HMAC request authentication for the swap venue.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// SaltLen is the per-store random salt length in bytes.
	SaltLen = 32
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
)

// ErrOpen is returned when sealed data cannot be authenticated. It never
// wraps anything that could contain plaintext.
var ErrOpen = errors.New("crypto: cannot open sealed data")

// Material is decrypted signing material. It redacts itself in fmt and slog
// output; call Zero when done with it.
type Material []byte

// String implements fmt.Stringer.
func (Material) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer.
func (Material) GoString() string { return "[REDACTED]" }

// LogValue implements slog.LogValuer.
func (Material) LogValue() slog.Value { return slog.StringValue("[REDACTED]") }

// Zero overwrites the material in place.
func (m Material) Zero() {
	for i := range m {
		m[i] = 0
	}
}

// NewSalt returns SaltLen random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	return salt, nil
}

// SaltFingerprint is a short non-secret identifier of a salt, stored beside
// sealed data so a salt/blob mismatch can be detected before decrypting.
func SaltFingerprint(salt []byte) string {
	sum := sha256.Sum256(salt)
	return hex.EncodeToString(sum[:8])
}

// Sealer encrypts and decrypts with a key derived from a passphrase.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256-GCM key from passphrase and salt with
// PBKDF2-HMAC-SHA256.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase must not be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("crypto: salt must not be empty")
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	defer Material(derivedKey).Zero()

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext. additional is
// authenticated but not encrypted.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open reverses Seal. Any failure, including a wrong passphrase, returns
// ErrOpen.
func (s *Sealer) Open(sealed, additional []byte) (Material, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrOpen
	}
	pt, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], additional)
	if err != nil {
		return nil, ErrOpen
	}
	return Material(pt), nil
}
