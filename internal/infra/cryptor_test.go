package infra

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCryptor(t *testing.T) *Cryptor {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewCryptor(key)
	require.NoError(t, err)
	return c
}

func TestCryptor_SealOpenRoundTrip(t *testing.T) {
	c := newTestCryptor(t)
	plaintext := []byte(`{"version":1,"running_ids":["abc"]}`)

	blob, err := c.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "running_ids", "sealed blob must not leak plaintext")

	got, err := c.Open(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCryptor_FreshNoncePerSeal(t *testing.T) {
	c := newTestCryptor(t)
	plaintext := []byte("same input")

	a, err := c.Seal(plaintext)
	require.NoError(t, err)
	b, err := c.Seal(plaintext)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "two seals of the same plaintext must differ")
}

func TestCryptor_OpenRejectsTamperedBlob(t *testing.T) {
	c := newTestCryptor(t)
	blob, err := c.Seal([]byte("payload"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = c.Open(blob)
	assert.Error(t, err)
}

func TestCryptor_OpenRejectsShortBlob(t *testing.T) {
	c := newTestCryptor(t)
	_, err := c.Open([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCryptor_OpenRejectsWrongKey(t *testing.T) {
	blob, err := newTestCryptor(t).Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = newTestCryptor(t).Open(blob)
	assert.Error(t, err)
}

func TestNewCryptor_RejectsBadKeySize(t *testing.T) {
	_, err := NewCryptor([]byte("short"))
	assert.Error(t, err)
}
