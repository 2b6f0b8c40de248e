package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatwire-io/chatwire/internal/db"
)

// gormDeliveryRepository is the GORM implementation of DeliveryRepository.
type gormDeliveryRepository struct {
	db *gorm.DB
}

// NewDeliveryRepository returns a DeliveryRepository backed by the provided *gorm.DB.
func NewDeliveryRepository(database *gorm.DB) DeliveryRepository {
	return &gormDeliveryRepository{db: database}
}

// Insert enqueues a new delivery job. Retried internally — dropping an enqueue
// silently loses an event for that subscriber.
func (r *gormDeliveryRepository) Insert(ctx context.Context, job *db.DeliveryJob) error {
	err := withStoreRetry(ctx, func() error {
		return r.db.WithContext(ctx).Create(job).Error
	})
	if err != nil {
		return fmt.Errorf("delivery: insert: %w", err)
	}
	return nil
}

// GetByID retrieves a delivery job by its UUID.
func (r *gormDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DeliveryJob, error) {
	var job db.DeliveryJob
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delivery: get by id: %w", err)
	}
	return &job, nil
}

// Due returns claimable jobs ordered by next_attempt_at. The (status,
// next_attempt_at) index makes this the only hot query on the table.
func (r *gormDeliveryRepository) Due(ctx context.Context, now time.Time, limit int) ([]db.DeliveryJob, error) {
	var jobs []db.DeliveryJob
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []string{db.JobPending, db.JobFailed}, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("delivery: due: %w", err)
	}
	return jobs, nil
}

// Claim performs the conditional transition pending|failed → processing and
// increments attempt_count. The WHERE clause on status is the CAS: when two
// workers race, exactly one update affects a row and the loser sees false.
func (r *gormDeliveryRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.DeliveryJob{}).
		Where("id = ? AND status IN ?", id, []string{db.JobPending, db.JobFailed}).
		Updates(map[string]interface{}{
			"status":        db.JobProcessing,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if result.Error != nil {
		return false, fmt.Errorf("delivery: claim: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkSuccess records a terminal successful delivery.
func (r *gormDeliveryRepository) MarkSuccess(ctx context.Context, id uuid.UUID, responseStatus int) error {
	result := r.db.WithContext(ctx).
		Model(&db.DeliveryJob{}).
		Where("id = ? AND status = ?", id, db.JobProcessing).
		Updates(map[string]interface{}{
			"status":          db.JobSuccess,
			"response_status": responseStatus,
			"last_error":      "",
		})
	if result.Error != nil {
		return fmt.Errorf("delivery: mark success: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed schedules a retry. The job returns to the claimable pool once
// next_attempt_at passes.
func (r *gormDeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&db.DeliveryJob{}).
		Where("id = ? AND status = ?", id, db.JobProcessing).
		Updates(map[string]interface{}{
			"status":          db.JobFailed,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		})
	if result.Error != nil {
		return fmt.Errorf("delivery: mark failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeadLetter records a terminal failure. responseStatus may be nil for
// transport-level failures that never produced an HTTP response.
func (r *gormDeliveryRepository) MarkDeadLetter(ctx context.Context, id uuid.UUID, responseStatus *int, lastError string) error {
	result := r.db.WithContext(ctx).
		Model(&db.DeliveryJob{}).
		Where("id = ? AND status = ?", id, db.JobProcessing).
		Updates(map[string]interface{}{
			"status":          db.JobDeadLetter,
			"response_status": responseStatus,
			"last_error":      lastError,
		})
	if result.Error != nil {
		return fmt.Errorf("delivery: mark dead letter: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStuck resets processing rows whose updated_at stopped advancing.
// The worker that claimed them died mid-flight; they become immediately
// claimable again as failed. Rows that already spent their attempt budget go
// straight to dead_letter instead: re-claiming one would push attempt_count
// past max_retries.
func (r *gormDeliveryRepository) RecoverStuck(ctx context.Context, olderThan time.Time) (int64, error) {
	dead := r.db.WithContext(ctx).
		Model(&db.DeliveryJob{}).
		Where("status = ? AND updated_at < ? AND attempt_count >= max_retries", db.JobProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":     db.JobDeadLetter,
			"last_error": "worker lost with retries exhausted",
		})
	if dead.Error != nil {
		return 0, fmt.Errorf("delivery: recover stuck: %w", dead.Error)
	}

	result := r.db.WithContext(ctx).
		Model(&db.DeliveryJob{}).
		Where("status = ? AND updated_at < ?", db.JobProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":          db.JobFailed,
			"next_attempt_at": time.Now().UTC(),
			"last_error":      "recovered",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("delivery: recover stuck: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteTerminalOlderThan reclaims finished jobs past the retention cutoff.
func (r *gormDeliveryRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{db.JobSuccess, db.JobDeadLetter}, cutoff).
		Delete(&db.DeliveryJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delivery: delete terminal: %w", result.Error)
	}
	return result.RowsAffected, nil
}
