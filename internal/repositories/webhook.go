package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chatwire-io/chatwire/internal/db"
)

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided *gorm.DB.
func NewWebhookRepository(database *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: database}
}

// Create inserts a new webhook subscription.
func (r *gormWebhookRepository) Create(ctx context.Context, webhook *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(webhook).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a webhook by its UUID. Returns ErrNotFound if no record exists.
func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var webhook db.Webhook
	err := r.db.WithContext(ctx).First(&webhook, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &webhook, nil
}

// Update persists all fields of an existing webhook record. In-flight delivery
// jobs are unaffected — they carry their own URL/secret snapshot.
func (r *gormWebhookRepository) Update(ctx context.Context, webhook *db.Webhook) error {
	result := r.db.WithContext(ctx).Save(webhook)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a webhook subscription.
func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Webhook{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByAccount returns all subscriptions for an account.
func (r *gormWebhookRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&webhooks).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list by account: %w", err)
	}
	return webhooks, nil
}

// ListActiveByAccount returns only active subscriptions — the enqueue path.
func (r *gormWebhookRepository) ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]db.Webhook, error) {
	var webhooks []db.Webhook
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND is_active = ?", accountID, true).
		Find(&webhooks).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list active by account: %w", err)
	}
	return webhooks, nil
}

// DeleteByAccount removes every subscription for an account. Called by the
// account cascade delete.
func (r *gormWebhookRepository) DeleteByAccount(ctx context.Context, accountID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Delete(&db.Webhook{}).Error; err != nil {
		return fmt.Errorf("webhooks: delete by account: %w", err)
	}
	return nil
}
