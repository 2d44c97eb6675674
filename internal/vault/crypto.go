// Package vault provides the reference cipher for stored items and TLS
// certificate generation for the admin listener.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the master and derived key length for AES-256.
const KeySize = 32

var (
	ErrInvalidKey = errors.New("master key must be 32 bytes")
	ErrOpenFailed = errors.New("decryption failed (wrong key, context or tampered data)")
)

var hkdfSalt = []byte("agies-guard/vault/v1")

// Sealed is an AES-GCM ciphertext with its nonce and tag kept apart.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Tag        []byte `json:"tag"`
}

// Cipher seals data under per-context keys derived from one master key.
type Cipher struct {
	master  []byte
	created time.Time

	mu   sync.Mutex
	keys map[string]cipher.AEAD
}

// NewCipher creates a cipher over a 32-byte master key created at created.
func NewCipher(master []byte, created time.Time) (*Cipher, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Cipher{
		master:  append([]byte(nil), master...),
		created: created,
		keys:    make(map[string]cipher.AEAD),
	}, nil
}

// GenerateKey returns a random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseKey decodes a hex master key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// KeyAge returns how long the master key has been in use.
func (c *Cipher) KeyAge(now time.Time) time.Duration {
	return now.Sub(c.created)
}

// aead returns the AES-GCM instance for context, deriving its key with
// HKDF-SHA256 on first use.
func (c *Cipher) aead(context string) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gcm, ok := c.keys[context]; ok {
		return gcm, nil
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, hkdfSalt, []byte(context)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c.keys[context] = gcm
	return gcm, nil
}

// Seal encrypts plaintext under the key for context. The context is also
// bound as additional data.
func (c *Cipher) Seal(plaintext []byte, context string) (*Sealed, error) {
	gcm, err := c.aead(context)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := gcm.Seal(nil, nonce, plaintext, []byte(context))
	split := len(out) - gcm.Overhead()
	return &Sealed{
		Ciphertext: out[:split],
		IV:         nonce,
		Tag:        out[split:],
	}, nil
}

// Open decrypts s sealed under context.
func (c *Cipher) Open(s *Sealed, context string) ([]byte, error) {
	if s == nil {
		return nil, ErrOpenFailed
	}
	gcm, err := c.aead(context)
	if err != nil {
		return nil, err
	}
	if len(s.IV) != gcm.NonceSize() || len(s.Tag) != gcm.Overhead() {
		return nil, ErrOpenFailed
	}

	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	plaintext, err := gcm.Open(nil, s.IV, buf, []byte(context))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
