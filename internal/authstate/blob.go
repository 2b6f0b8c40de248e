// Package authstate persists and restores the authentication state of one
// account: the credentials file and Signal-style key files the protocol
// library keeps in a local scratch directory, serialized into a single
// versioned blob for the store. It also owns the instance-ownership lock
// embedded in that blob, which keeps two processes from driving the same
// account concurrently.
package authstate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentVersion is the blob schema version written by this build. Blobs with
// a lower version are invalidated on restore — the key-file layout changed
// between versions and a partial read of an old layout corrupts sessions.
const CurrentVersion = 2

// ErrBlobInvalid marks a stored blob that failed validation (stale schema,
// incomplete pairing, or empty key map). The caller clears the stored blob
// and treats the account as needing pairing.
var ErrBlobInvalid = errors.New("authstate: blob invalid")

// Blob is the serialized authentication state for one account. Keys maps
// key-file name to file content. ActiveInstanceID and LockAcquiredAt form the
// ownership lock; SavedAt is advanced on every save.
type Blob struct {
	Version          int               `json:"version"`
	Creds            json.RawMessage   `json:"creds"`
	Keys             map[string][]byte `json:"keys"`
	ActiveInstanceID string            `json:"activeInstanceId,omitempty"`
	LockAcquiredAt   time.Time         `json:"lockAcquiredAt,omitempty"`
	SavedAt          time.Time         `json:"savedAt"`
}

// MeID extracts creds.me.id, the marker of a completed pairing. Returns the
// empty string when the field is absent or creds cannot be parsed.
func (b *Blob) MeID() string {
	if len(b.Creds) == 0 {
		return ""
	}
	var creds struct {
		Me struct {
			ID string `json:"id"`
		} `json:"me"`
	}
	if err := json.Unmarshal(b.Creds, &creds); err != nil {
		return ""
	}
	return creds.Me.ID
}

// Validate checks the three usability conditions: current schema version,
// completed pairing, and non-empty key map. Any failure returns
// ErrBlobInvalid with the specific cause attached.
func (b *Blob) Validate() error {
	if b.Version < CurrentVersion {
		return fmt.Errorf("%w: schema version %d below current %d", ErrBlobInvalid, b.Version, CurrentVersion)
	}
	if b.MeID() == "" {
		return fmt.Errorf("%w: pairing incomplete (no creds.me.id)", ErrBlobInvalid)
	}
	if len(b.Keys) == 0 {
		return fmt.Errorf("%w: empty key map", ErrBlobInvalid)
	}
	return nil
}

// LockedBy reports whether the blob carries a live ownership lock held by a
// different instance. A lock older than stale is abandoned and may be taken.
func (b *Blob) LockedBy(instanceID string, stale time.Duration, now time.Time) (string, bool) {
	if b.ActiveInstanceID == "" || b.ActiveInstanceID == instanceID {
		return "", false
	}
	if now.Sub(b.LockAcquiredAt) > stale {
		return "", false
	}
	return b.ActiveInstanceID, true
}

// Encode serializes the blob to the stored representation: base64 of its
// canonical JSON.
func Encode(b *Blob) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("authstate: encode: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses the stored representation. A decode failure is reported as
// ErrBlobInvalid — a corrupted blob and a structurally invalid one are
// handled identically (clear and re-pair).
func Decode(s string) (*Blob, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrBlobInvalid, err)
	}
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrBlobInvalid, err)
	}
	return &b, nil
}
