package vault

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("thisis32byteslongsecretkey123456")

func TestSealOpen(t *testing.T) {
	c, err := NewCipher(testKey, time.Now())
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("Hello, Agies!"), "alice/password")
	require.NoError(t, err)
	assert.NotEqual(t, "Hello, Agies!", string(sealed.Ciphertext))
	assert.Len(t, sealed.IV, 12)
	assert.Len(t, sealed.Tag, 16)

	plain, err := c.Open(sealed, "alice/password")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Agies!", string(plain))
}

func TestOpenWithWrongContext(t *testing.T) {
	c, err := NewCipher(testKey, time.Now())
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("secret"), "alice/note")
	require.NoError(t, err)

	_, err = c.Open(sealed, "bob/note")
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestOpenWithWrongKey(t *testing.T) {
	c1, _ := NewCipher(testKey, time.Now())
	c2, _ := NewCipher([]byte("another32byteslongsecretkey65432"), time.Now())

	sealed, err := c1.Seal([]byte("secret"), "ctx")
	require.NoError(t, err)

	_, err = c2.Open(sealed, "ctx")
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestOpenTampered(t *testing.T) {
	c, _ := NewCipher(testKey, time.Now())
	sealed, err := c.Seal([]byte("secret"), "ctx")
	require.NoError(t, err)

	sealed.Tag[0] ^= 0xff
	_, err = c.Open(sealed, "ctx")
	assert.ErrorIs(t, err, ErrOpenFailed)

	_, err = c.Open(&Sealed{IV: []byte("short")}, "ctx")
	assert.ErrorIs(t, err, ErrOpenFailed)
	_, err = c.Open(nil, "ctx")
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestInvalidKeySize(t *testing.T) {
	_, err := NewCipher([]byte("shortkey"), time.Now())
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey("0123456789abcdef")
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = ParseKey("not-hex")
	assert.Error(t, err)
}

func TestGenerateAndParseKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	parsed, err := ParseKey(hex.EncodeToString(testKey))
	require.NoError(t, err)
	assert.Equal(t, testKey, parsed)
}

func TestKeyAge(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c, _ := NewCipher(testKey, created)
	assert.Equal(t, 48*time.Hour, c.KeyAge(created.Add(48*time.Hour)))
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.NotNil(t, cert.PrivateKey)
}
