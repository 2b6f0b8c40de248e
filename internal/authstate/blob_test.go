package authstate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBlob() *Blob {
	return &Blob{
		Version: CurrentVersion,
		Creds:   json.RawMessage(`{"me":{"id":"15551234567:12@s.net"},"noiseKey":"abc"}`),
		Keys: map[string][]byte{
			"pre-key-1.json":      []byte(`{"k":1}`),
			"session-15551.json":  []byte(`{"s":2}`),
			"app-state-sync.json": []byte(`{"a":3}`),
		},
		SavedAt: time.Now().UTC(),
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	blob := validBlob()
	blob.ActiveInstanceID = "host-1-100"
	blob.LockAcquiredAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	encoded, err := Encode(blob)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, blob.Version, decoded.Version)
	assert.JSONEq(t, string(blob.Creds), string(decoded.Creds))
	assert.Equal(t, blob.Keys, decoded.Keys)
	assert.Equal(t, blob.ActiveInstanceID, decoded.ActiveInstanceID)
	assert.True(t, blob.LockAcquiredAt.Equal(decoded.LockAcquiredAt))
}

func TestDecode_Garbage(t *testing.T) {
	_, err := Decode("not base64 at all!!!")
	assert.ErrorIs(t, err, ErrBlobInvalid)

	_, err = Decode("bm90IGpzb24=") // base64("not json")
	assert.ErrorIs(t, err, ErrBlobInvalid)
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validBlob().Validate())
	})

	t.Run("stale schema version", func(t *testing.T) {
		blob := validBlob()
		blob.Version = CurrentVersion - 1
		assert.ErrorIs(t, blob.Validate(), ErrBlobInvalid)
	})

	t.Run("no me.id", func(t *testing.T) {
		blob := validBlob()
		blob.Creds = json.RawMessage(`{"noiseKey":"abc"}`)
		assert.ErrorIs(t, blob.Validate(), ErrBlobInvalid)
	})

	t.Run("empty key map", func(t *testing.T) {
		blob := validBlob()
		blob.Keys = nil
		assert.ErrorIs(t, blob.Validate(), ErrBlobInvalid)
	})
}

func TestMeID(t *testing.T) {
	blob := validBlob()
	assert.Equal(t, "15551234567:12@s.net", blob.MeID())

	blob.Creds = nil
	assert.Empty(t, blob.MeID())

	blob.Creds = json.RawMessage(`{broken`)
	assert.Empty(t, blob.MeID())
}

func TestLockedBy(t *testing.T) {
	now := time.Now().UTC()
	stale := 2 * time.Minute

	blob := validBlob()
	blob.ActiveInstanceID = "other-2-200"
	blob.LockAcquiredAt = now.Add(-30 * time.Second)

	holder, locked := blob.LockedBy("me-1-100", stale, now)
	assert.True(t, locked)
	assert.Equal(t, "other-2-200", holder)

	// Own lock is never a conflict.
	_, locked = blob.LockedBy("other-2-200", stale, now)
	assert.False(t, locked)

	// A stale lock is abandoned and may be taken.
	blob.LockAcquiredAt = now.Add(-3 * time.Minute)
	_, locked = blob.LockedBy("me-1-100", stale, now)
	assert.False(t, locked)

	// No lock at all.
	blob.ActiveInstanceID = ""
	_, locked = blob.LockedBy("me-1-100", stale, now)
	assert.False(t, locked)
}
