package db

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// sessionAEAD seals EncryptedString values. Set once at startup by
// InitEncryption; while nil, every Value and Scan fails loudly rather than
// letting a misconfigured deployment store plaintext.
var sessionAEAD cipher.AEAD

// minSecretLen is the floor on the operator secret. Shorter secrets make the
// derived key guessable no matter what the KDF does.
const minSecretLen = 16

// atRestInfo binds the derived key to this use. A future second derived key
// (webhook signing, say) changes the info string, not the secret.
var atRestInfo = []byte("chatwire/session-at-rest")

// InitEncryption derives the at-rest AES-256-GCM key from the operator
// secret via HKDF-SHA256 and prepares the cipher. Call once before db.New.
// Session blobs hold Signal ratchet material; a leaked database dump must
// not hand over live sessions.
func InitEncryption(secret []byte) error {
	if len(secret) < minSecretLen {
		return fmt.Errorf("db: secret key must be at least %d bytes, got %d", minSecretLen, len(secret))
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, atRestInfo), key); err != nil {
		return fmt.Errorf("db: derive encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("db: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("db: init gcm: %w", err)
	}
	sessionAEAD = aead
	return nil
}

// EncryptedString is a string column transparently encrypted before being
// written and decrypted after being read. Used for session blobs and webhook
// secrets. The stored form is base64(nonce + ciphertext); the empty string
// passes through unencrypted so optional columns stay queryable as "".
type EncryptedString string

// Value implements driver.Valuer. Called by GORM before writing.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if sessionAEAD == nil {
		return nil, errors.New("db: encryption not initialized, call db.InitEncryption first")
	}

	// GCM is only safe with a fresh nonce per seal under the same key.
	nonce := make([]byte, sessionAEAD.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("db: generate nonce: %w", err)
	}
	sealed := sessionAEAD.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Scan implements sql.Scanner. Called by GORM after reading.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("db: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if sessionAEAD == nil {
		return errors.New("db: encryption not initialized, call db.InitEncryption first")
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("db: decode base64: %w", err)
	}
	ns := sessionAEAD.NonceSize()
	if len(data) <= ns {
		return errors.New("db: ciphertext shorter than its nonce")
	}
	plaintext, err := sessionAEAD.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return fmt.Errorf("db: decrypt value: %w", err)
	}
	*e = EncryptedString(plaintext)
	return nil
}
