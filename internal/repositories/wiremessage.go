package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chatwire-io/chatwire/internal/db"
)

// gormWireMessageRepository is the GORM implementation of WireMessageRepository.
type gormWireMessageRepository struct {
	db *gorm.DB
}

// NewWireMessageRepository returns a WireMessageRepository backed by the provided *gorm.DB.
func NewWireMessageRepository(database *gorm.DB) WireMessageRepository {
	return &gormWireMessageRepository{db: database}
}

// Upsert stores or replaces the frame for (account_id, message_id). Replays of
// the same message id overwrite the previous row rather than erroring — the
// frame content for a given id never changes, only its timestamp.
func (r *gormWireMessageRepository) Upsert(ctx context.Context, msg *db.WireMessage) error {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"direction", "peer_id", "body", "created_at",
			}),
		}).
		Create(msg).Error; err != nil {
		return fmt.Errorf("wire messages: upsert: %w", err)
	}
	return nil
}

// Get returns the stored frame, or ErrNotFound.
func (r *gormWireMessageRepository) Get(ctx context.Context, accountID uuid.UUID, messageID string) (*db.WireMessage, error) {
	var msg db.WireMessage
	err := r.db.WithContext(ctx).
		First(&msg, "account_id = ? AND message_id = ?", accountID, messageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("wire messages: get: %w", err)
	}
	return &msg, nil
}

// DeleteOlderThan reclaims rows past the retention cutoff.
func (r *gormWireMessageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.WireMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("wire messages: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}
