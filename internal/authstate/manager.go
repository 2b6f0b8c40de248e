package authstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/repositories"
)

// localFreshWindow is how recent local auth files must be to win over the
// stored blob on restore. Restoring over a directory modified seconds ago
// would destroy an in-progress handshake.
const localFreshWindow = 5 * time.Minute

// RestoreResult tells the runtime how to proceed after a restore.
type RestoreResult int

const (
	// Restored — usable auth state is in the local directory; connect.
	Restored RestoreResult = iota
	// NeedsPairing — no usable auth exists anywhere; start QR pairing.
	NeedsPairing
)

// Manager implements the auth restore/save contracts for all accounts.
// Saves for one account are serialized by a per-account mutex; restore and
// clear take the same mutex so a restore never observes a half-written blob.
type Manager struct {
	accounts   repositories.AccountRepository
	dataDir    string
	instanceID string
	stale      time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewManager creates a Manager. stale is the ownership-lock staleness window.
func NewManager(accounts repositories.AccountRepository, dataDir, instanceID string, stale time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		accounts:   accounts,
		dataDir:    dataDir,
		instanceID: instanceID,
		stale:      stale,
		logger:     logger.Named("authstate"),
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

// AuthDir returns the local auth directory for an account.
func (m *Manager) AuthDir(accountID uuid.UUID) string {
	return filepath.Join(m.dataDir, "auth", accountID.String())
}

// accountLock returns the per-account single-writer mutex.
func (m *Manager) accountLock(accountID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

// Restore prepares the local auth directory for a connect attempt.
//
// Contract (in order):
//  1. A local directory modified within the last five minutes wins; the
//     store is not consulted. Its usability decides Restored vs NeedsPairing.
//  2. Otherwise the stored blob is decoded and validated. Validation failure
//     clears the stored blob and returns NeedsPairing.
//  3. A valid blob locked by another live instance refuses with
//     locked_by_other_instance; stale locks are taken over silently.
//  4. A valid, unlocked blob replaces the local directory whole.
//
// Store and local state are never merged.
func (m *Manager) Restore(ctx context.Context, accountID uuid.UUID) (RestoreResult, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	dir := m.AuthDir(accountID)
	now := time.Now().UTC()

	if dirFreshWithin(dir, localFreshWindow, now) {
		blob, err := snapshotDir(dir)
		if err == nil && blob.MeID() != "" && len(blob.Keys) > 0 {
			m.logger.Debug("restore: using fresh local auth directory",
				zap.String("account_id", accountID.String()),
			)
			return Restored, nil
		}
		// Fresh but unusable: mid-pairing scratch. Leave it untouched so the
		// handshake can finish.
		m.logger.Debug("restore: fresh local directory without completed pairing",
			zap.String("account_id", accountID.String()),
		)
		return NeedsPairing, nil
	}

	stored, err := m.accounts.GetSession(ctx, accountID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return NeedsPairing, gateway.WrapError(gateway.KindNotFound, "account does not exist", err)
		}
		return NeedsPairing, gateway.WrapError(gateway.KindStoreUnavailable, "failed to read session", err)
	}
	if stored == "" {
		if err := wipeDir(dir); err != nil {
			return NeedsPairing, err
		}
		return NeedsPairing, nil
	}

	blob, err := Decode(stored)
	if err == nil {
		err = blob.Validate()
	}
	if err != nil {
		// Invalid blobs are cleared so the next restore does not trip over
		// them again, then the account pairs fresh.
		m.logger.Warn("restore: stored blob invalid, clearing",
			zap.String("account_id", accountID.String()),
			zap.Error(err),
		)
		if clearErr := m.accounts.ClearSession(ctx, accountID); clearErr != nil {
			m.logger.Error("restore: failed to clear invalid blob", zap.Error(clearErr))
		}
		if err := wipeDir(dir); err != nil {
			return NeedsPairing, err
		}
		return NeedsPairing, nil
	}

	if holder, locked := blob.LockedBy(m.instanceID, m.stale, now); locked {
		return NeedsPairing, gateway.NewError(gateway.KindLockedByOther,
			fmt.Sprintf("account is driven by instance %s", holder))
	}

	if err := restoreDir(dir, blob); err != nil {
		return NeedsPairing, err
	}

	m.logger.Info("restore: auth state restored from store",
		zap.String("account_id", accountID.String()),
		zap.Int("key_files", len(blob.Keys)),
	)
	return Restored, nil
}

// Save snapshots the local auth directory into a blob stamped with the
// current schema version and this instance's ownership lock, and upserts it.
// Unusable local state (pairing not finished) is skipped silently — the blob
// is only ever created from a completed pairing.
func (m *Manager) Save(ctx context.Context, accountID uuid.UUID) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	blob, err := snapshotDir(m.AuthDir(accountID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Nothing on disk (logged out or never paired); nothing to save.
			return nil
		}
		return fmt.Errorf("authstate: snapshot for save: %w", err)
	}
	if blob.MeID() == "" || len(blob.Keys) == 0 {
		m.logger.Debug("save: skipping, local state not paired",
			zap.String("account_id", accountID.String()),
		)
		return nil
	}

	now := time.Now().UTC()
	blob.Version = CurrentVersion
	blob.ActiveInstanceID = m.instanceID
	blob.LockAcquiredAt = now
	blob.SavedAt = now

	encoded, err := Encode(blob)
	if err != nil {
		return err
	}

	if err := m.accounts.UpsertSession(ctx, accountID, encoded, now); err != nil {
		return gateway.WrapError(gateway.KindStoreUnavailable, "failed to persist session", err)
	}

	m.logger.Debug("save: session persisted",
		zap.String("account_id", accountID.String()),
		zap.Int("key_files", len(blob.Keys)),
	)
	return nil
}

// Clear removes the auth state everywhere: the stored blob and the local
// directory. Called on logout and on account deletion.
func (m *Manager) Clear(ctx context.Context, accountID uuid.UUID) error {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var firstErr error
	if err := m.accounts.ClearSession(ctx, accountID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		firstErr = err
	}
	if err := wipeDir(m.AuthDir(accountID)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
