package authstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// credsFile is the credentials file name inside an account's auth directory.
// Every other regular file in the directory is treated as a key file.
const credsFile = "creds.json"

// snapshotDir reads the complete local auth directory into a Blob (creds plus
// every key file). Returns os.ErrNotExist when the directory is absent.
// The returned blob carries no version, lock, or timestamp — the manager
// stamps those at save time.
func snapshotDir(dir string) (*Blob, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	blob := &Blob{Keys: make(map[string][]byte)}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("authstate: read %s: %w", entry.Name(), err)
		}
		if entry.Name() == credsFile {
			blob.Creds = json.RawMessage(data)
			continue
		}
		blob.Keys[entry.Name()] = data
	}

	return blob, nil
}

// restoreDir empties the local auth directory and writes the blob's contents
// into it. Store state fully replaces local state — merging the two would mix
// ratchet generations and desynchronize the session.
func restoreDir(dir string, blob *Blob) error {
	if err := wipeDir(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("authstate: create auth dir: %w", err)
	}

	if len(blob.Creds) > 0 {
		if err := os.WriteFile(filepath.Join(dir, credsFile), blob.Creds, 0o600); err != nil {
			return fmt.Errorf("authstate: write creds: %w", err)
		}
	}
	for name, data := range blob.Keys {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("authstate: write key file %s: %w", name, err)
		}
	}
	return nil
}

// wipeDir removes the auth directory and everything in it. Missing directory
// is success.
func wipeDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("authstate: wipe auth dir: %w", err)
	}
	return nil
}

// dirFreshWithin reports whether any file in the auth directory was modified
// within the given window. A fresh directory indicates a live handshake or
// recent session activity and must be preferred over the stored blob.
func dirFreshWithin(dir string, window time.Duration, now time.Time) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false
		}
		return false
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= window {
			return true
		}
	}
	return false
}
