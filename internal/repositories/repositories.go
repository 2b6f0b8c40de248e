// Package repositories defines the data-access interfaces for the gateway's
// durable state and their GORM implementations. The database is the only
// mutable resource shared across processes, so any cross-process discipline
// (ownership locks on session blobs, CAS claims on delivery jobs) lives here.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chatwire-io/chatwire/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AccountRepository
// -----------------------------------------------------------------------------

type AccountRepository interface {
	Create(ctx context.Context, account *db.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*db.Account, error)
	Update(ctx context.Context, account *db.Account) error
	List(ctx context.Context, opts ListOptions) ([]db.Account, int64, error)

	// UpdateStatus changes only the lifecycle status column. The runtime is
	// the sole writer of this column.
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// SetPhoneNumber records the network phone id. It only writes when the
	// column is still empty — the phone id is set on the first ready
	// transition and immutable afterwards.
	SetPhoneNumber(ctx context.Context, id uuid.UUID, phoneNumber string) error

	// UpsertSession overwrites the serialized AuthBlob and advances the
	// last_session_saved timestamp. The blob is always replaced whole.
	UpsertSession(ctx context.Context, id uuid.UUID, blob string, savedAt time.Time) error

	// GetSession returns the stored AuthBlob, or ErrNotFound when the account
	// does not exist. An empty string means no blob has been saved yet.
	GetSession(ctx context.Context, id uuid.UUID) (string, error)

	// ClearSession removes the AuthBlob (logout or invalid blob).
	ClearSession(ctx context.Context, id uuid.UUID) error

	// Delete removes the account and cascades to its webhook subscriptions.
	Delete(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, webhook *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Update(ctx context.Context, webhook *db.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]db.Webhook, error)

	// ListActiveByAccount returns only subscriptions with is_active = true.
	// This is the enqueue-path query and is cached by the delivery queue.
	ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]db.Webhook, error)

	DeleteByAccount(ctx context.Context, accountID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// DeliveryRepository
// -----------------------------------------------------------------------------

type DeliveryRepository interface {
	Insert(ctx context.Context, job *db.DeliveryJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.DeliveryJob, error)

	// Due returns jobs in (pending, failed) whose next_attempt_at has passed,
	// ordered by next_attempt_at, limited to batch size.
	Due(ctx context.Context, now time.Time, limit int) ([]db.DeliveryJob, error)

	// Claim attempts the conditional transition pending|failed → processing,
	// incrementing attempt_count. Returns false when another worker already
	// claimed the job (zero rows affected).
	Claim(ctx context.Context, id uuid.UUID) (bool, error)

	MarkSuccess(ctx context.Context, id uuid.UUID, responseStatus int) error
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error
	MarkDeadLetter(ctx context.Context, id uuid.UUID, responseStatus *int, lastError string) error

	// RecoverStuck resets processing rows whose updated_at is older than the
	// cutoff back to failed with an immediate next attempt. Returns the number
	// of recovered rows.
	RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error)

	// DeleteTerminalOlderThan reclaims success/dead_letter rows past the
	// retention cutoff. Returns the number of deleted rows.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// WireMessageRepository
// -----------------------------------------------------------------------------

type WireMessageRepository interface {
	// Upsert stores or replaces the frame for (account_id, message_id).
	Upsert(ctx context.Context, msg *db.WireMessage) error

	// Get returns ErrNotFound for missing rows — the retry store surfaces
	// that to the protocol library as an explicit miss, never an empty body.
	Get(ctx context.Context, accountID uuid.UUID, messageID string) (*db.WireMessage, error)

	// DeleteOlderThan reclaims rows past the retention cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
