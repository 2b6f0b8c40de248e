package db

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestKey(t *testing.T) {
	t.Helper()
	require.NoError(t, InitEncryption([]byte("a-sufficiently-long-test-secret")))
}

func TestInitEncryption_RejectsShortSecret(t *testing.T) {
	assert.Error(t, InitEncryption([]byte("short")))
	assert.Error(t, InitEncryption(bytes.Repeat([]byte{1}, 15)))
	assert.NoError(t, InitEncryption(bytes.Repeat([]byte{1}, 16)))
	assert.NoError(t, InitEncryption(bytes.Repeat([]byte{1}, 64)))
}

func TestInitEncryption_DerivationIsStablePerSecret(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("the-original-operator-secret")))
	stored, err := EncryptedString("ratchet material").Value()
	require.NoError(t, err)

	// The same secret across restarts must decrypt existing rows.
	require.NoError(t, InitEncryption([]byte("the-original-operator-secret")))
	var decoded EncryptedString
	require.NoError(t, decoded.Scan(stored))
	assert.Equal(t, EncryptedString("ratchet material"), decoded)

	// A different secret derives a different key and must fail closed.
	require.NoError(t, InitEncryption([]byte("a-rotated-operator-secret!!")))
	assert.Error(t, decoded.Scan(stored))
}

func TestEncryptedString_RoundTrip(t *testing.T) {
	initTestKey(t)

	original := EncryptedString(`{"creds":"ratchet-material"}`)
	stored, err := original.Value()
	require.NoError(t, err)

	ciphertext, ok := stored.(string)
	require.True(t, ok)
	assert.NotEqual(t, string(original), ciphertext, "value must not be stored in the clear")

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(ciphertext))
	assert.Equal(t, original, decoded)
}

func TestEncryptedString_NonceVariesPerWrite(t *testing.T) {
	initTestKey(t)

	v := EncryptedString("same plaintext")
	first, err := v.Value()
	require.NoError(t, err)
	second, err := v.Value()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestEncryptedString_EmptyPassesThrough(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("").Value()
	require.NoError(t, err)
	assert.Equal(t, "", stored)

	var decoded EncryptedString
	require.NoError(t, decoded.Scan(""))
	assert.Equal(t, EncryptedString(""), decoded)

	require.NoError(t, decoded.Scan(nil))
	assert.Equal(t, EncryptedString(""), decoded)
}

func TestEncryptedString_TamperedCiphertextFails(t *testing.T) {
	initTestKey(t)

	stored, err := EncryptedString("secret").Value()
	require.NoError(t, err)

	var decoded EncryptedString
	assert.Error(t, decoded.Scan("not-base64!!"))
	assert.Error(t, decoded.Scan("QUJD")) // too short for a nonce

	// Flip one ciphertext bit so GCM authentication fails.
	raw, err := base64.StdEncoding.DecodeString(stored.(string))
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	assert.Error(t, decoded.Scan(base64.StdEncoding.EncodeToString(raw)))
}
