package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by UUID-keyed models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accounts
// -----------------------------------------------------------------------------

// Account lifecycle statuses. Transitions are driven exclusively by the
// account runtime; the API layer only reads this column.
const (
	StatusInitializing = "initializing"
	StatusQRReady      = "qr_ready"
	StatusReady        = "ready"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
	StatusNeedsQR      = "needs_qr"
)

// Account represents one tenant endpoint: a single messaging account driven
// by one runtime. PhoneNumber is set once, on the first successful transition
// to ready, and never rewritten afterwards.
//
// SessionData is the serialized AuthBlob (base64 of versioned JSON holding
// credentials, key files, and the ownership lock). It is overwritten whole on
// every save — never merged — and encrypted at rest because it contains live
// Signal ratchet material.
type Account struct {
	base
	Name             string          `gorm:"not null"`
	Description      string          `gorm:"type:text;default:''"`
	Status           string          `gorm:"not null;default:'initializing'"`
	PhoneNumber      string          `gorm:"default:''"`
	APIKey           string          `gorm:"uniqueIndex;not null"` // "cw_" + 48 hex
	SessionData      EncryptedString `gorm:"type:text"`
	LastSessionSaved *time.Time
	Metadata         string `gorm:"type:text;default:'{}'"` // JSON key-value pairs
}

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is a subscriber callback registered for an account. Events holds a
// JSON array of subscribed event kinds; "*" or "all" subscribes to everything.
// Deleting the account cascades to its webhooks (enforced in the repository,
// not by FK constraints — SQLite deployments run without foreign_keys pragma).
type Webhook struct {
	base
	AccountID  uuid.UUID       `gorm:"type:text;not null;index"`
	URL        string          `gorm:"not null"`
	Secret     EncryptedString `gorm:"type:text;default:''"`
	Events     string          `gorm:"type:text;not null;default:'[\"message\"]'"`
	IsActive   bool            `gorm:"not null;default:true"`
	MaxRetries int             `gorm:"not null;default:0"` // 0 = use the global default
}

// -----------------------------------------------------------------------------
// Delivery queue
// -----------------------------------------------------------------------------

// Delivery job statuses. success and dead_letter are terminal: once a job
// reaches either, no worker may transition it again.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobFailed     = "failed"
	JobSuccess    = "success"
	JobDeadLetter = "dead_letter"
)

// DeliveryJob is one row in the durable webhook queue. WebhookID is a
// non-owning reference: the URL and secret are snapshotted at enqueue time so
// an in-flight job completes unchanged even if the subscription is edited or
// deleted. Claimed via a conditional update on (status, attempt_count) so
// exactly one worker transitions a job out of pending/failed.
type DeliveryJob struct {
	base
	AccountID      uuid.UUID       `gorm:"type:text;not null;index"`
	WebhookID      uuid.UUID       `gorm:"type:text;not null"`
	WebhookURL     string          `gorm:"not null"`
	WebhookSecret  EncryptedString `gorm:"type:text;default:''"`
	Payload        string          `gorm:"type:text;not null"`
	Status         string          `gorm:"not null;default:'pending';index:idx_delivery_due,priority:1"`
	AttemptCount   int             `gorm:"not null;default:0"`
	MaxRetries     int             `gorm:"not null;default:5"`
	NextAttemptAt  time.Time       `gorm:"not null;index:idx_delivery_due,priority:2"`
	LastError      string          `gorm:"type:text;default:''"`
	ResponseStatus *int
}

// -----------------------------------------------------------------------------
// Wire messages
// -----------------------------------------------------------------------------

// WireMessage is the durable tier of the message retry store: one recently
// sent or received transport frame, keyed by (account_id, message_id). Body
// holds the protocol library's serialized post-send message object — the full
// ciphertext frame, not the caller's input descriptor. Rows older than the
// retention window are reclaimed by a periodic job.
type WireMessage struct {
	AccountID uuid.UUID `gorm:"type:text;primaryKey"`
	MessageID string    `gorm:"primaryKey"`
	Direction string    `gorm:"not null"` // "in" or "out"
	PeerID    string    `gorm:"not null;default:''"`
	Body      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;index"`
}
