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

// gormAccountRepository is the GORM implementation of AccountRepository.
type gormAccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository returns an AccountRepository backed by the provided *gorm.DB.
func NewAccountRepository(database *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: database}
}

// Create inserts a new account record.
func (r *gormAccountRepository) Create(ctx context.Context, account *db.Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("accounts: create: %w", err)
	}
	return nil
}

// GetByID retrieves an account by its UUID. Returns ErrNotFound if no record exists.
func (r *gormAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by id: %w", err)
	}
	return &account, nil
}

// GetByAPIKey retrieves an account by its API key. Used by the send endpoints
// to authenticate callers without a session.
func (r *gormAccountRepository) GetByAPIKey(ctx context.Context, apiKey string) (*db.Account, error) {
	var account db.Account
	err := r.db.WithContext(ctx).First(&account, "api_key = ?", apiKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("accounts: get by api key: %w", err)
	}
	return &account, nil
}

// Update persists all fields of an existing account record.
func (r *gormAccountRepository) Update(ctx context.Context, account *db.Account) error {
	result := r.db.WithContext(ctx).Save(account)
	if result.Error != nil {
		return fmt.Errorf("accounts: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of accounts and the total count, ordered by
// creation time ascending (stable startup order for the supervisor).
func (r *gormAccountRepository) List(ctx context.Context, opts ListOptions) ([]db.Account, int64, error) {
	var accounts []db.Account
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Account{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("accounts: list count: %w", err)
	}

	q := r.db.WithContext(ctx).Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, 0, fmt.Errorf("accounts: list: %w", err)
	}

	return accounts, total, nil
}

// UpdateStatus updates only the status column.
func (r *gormAccountRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Account{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("accounts: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPhoneNumber writes the network phone id only when the column is still
// empty. A zero-rows result against an existing account means the phone id
// was already set, which is not an error.
func (r *gormAccountRepository) SetPhoneNumber(ctx context.Context, id uuid.UUID, phoneNumber string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Account{}).
		Where("id = ? AND (phone_number = '' OR phone_number IS NULL)", id).
		Update("phone_number", phoneNumber)
	if result.Error != nil {
		return fmt.Errorf("accounts: set phone number: %w", result.Error)
	}
	return nil
}

// UpsertSession replaces the session blob whole and advances last_session_saved.
// Retried internally — losing a stabilization save can strand an account in a
// state it cannot recover from after a crash.
func (r *gormAccountRepository) UpsertSession(ctx context.Context, id uuid.UUID, blob string, savedAt time.Time) error {
	err := withStoreRetry(ctx, func() error {
		result := r.db.WithContext(ctx).
			Model(&db.Account{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"session_data":       db.EncryptedString(blob),
				"last_session_saved": savedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("accounts: upsert session: %w", err)
	}
	return nil
}

// GetSession returns the decrypted session blob for an account.
func (r *gormAccountRepository) GetSession(ctx context.Context, id uuid.UUID) (string, error) {
	var account db.Account
	err := r.db.WithContext(ctx).
		Select("id", "session_data").
		First(&account, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("accounts: get session: %w", err)
	}
	return string(account.SessionData), nil
}

// ClearSession removes the session blob and its timestamp. Called on logout
// and when a restored blob fails validation.
func (r *gormAccountRepository) ClearSession(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"session_data":       "",
			"last_session_saved": nil,
		})
	if result.Error != nil {
		return fmt.Errorf("accounts: clear session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the account and all of its webhook subscriptions in one
// transaction. Delivery jobs are intentionally left behind — they reference a
// URL/secret snapshot and may still complete (non-owning reference).
func (r *gormAccountRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&db.Webhook{}).Error; err != nil {
			return fmt.Errorf("accounts: cascade webhooks: %w", err)
		}
		result := tx.Delete(&db.Account{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("accounts: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
