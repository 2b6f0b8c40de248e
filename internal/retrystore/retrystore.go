// Package retrystore keeps recently sent and received wire frames so the
// network's retry mechanism can re-request them. Two tiers: a small in-process
// TTL cache for the common case (retries arrive within seconds), backed by the
// database for frames that outlive the process or the cache window.
package retrystore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/config"
	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/protocol"
	"github.com/chatwire-io/chatwire/internal/repositories"
)

// Direction values stored alongside a frame.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

type cacheKey struct {
	account   uuid.UUID
	messageID string
}

// Store is the two-tier wire-frame store. Put is synchronous on the L1 cache
// and fire-and-forget on the database, so the send path never waits on a row
// write. Lookup misses are explicit: the protocol library must distinguish
// "no frame" from an empty frame, or it would answer retry requests with
// garbage.
type Store struct {
	l1     *lru.LRU[cacheKey, *protocol.WireMessage]
	repo   repositories.WireMessageRepository
	logger *zap.Logger

	writeTimeout time.Duration
}

func New(cfg config.Retry, repo repositories.WireMessageRepository, logger *zap.Logger) *Store {
	return &Store{
		l1:           lru.NewLRU[cacheKey, *protocol.WireMessage](cfg.CacheSize, nil, cfg.CacheTTL),
		repo:         repo,
		logger:       logger.Named("retrystore"),
		writeTimeout: 10 * time.Second,
	}
}

// Put stores a frame in both tiers. The L1 insert happens before Put returns;
// the database write runs in the background and a failure there only narrows
// the retry horizon to the cache TTL.
func (s *Store) Put(accountID uuid.UUID, direction, peer string, msg *protocol.WireMessage) {
	if msg == nil || msg.Key.ID == "" {
		return
	}

	s.l1.Add(cacheKey{account: accountID, messageID: msg.Key.ID}, msg)

	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode wire frame",
			zap.String("message_id", msg.Key.ID),
			zap.Error(err),
		)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		err := s.repo.Upsert(ctx, &db.WireMessage{
			AccountID: accountID,
			MessageID: msg.Key.ID,
			Direction: direction,
			PeerID:    peer,
			Body:      string(body),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("wire frame not persisted, retry horizon reduced to cache ttl",
				zap.String("account_id", accountID.String()),
				zap.String("message_id", msg.Key.ID),
				zap.Error(err),
			)
		}
	}()
}

// Lookup returns the frame for (account, message id), or ok=false when no
// tier has it. A database hit is promoted back into L1.
func (s *Store) Lookup(ctx context.Context, accountID uuid.UUID, messageID string) (*protocol.WireMessage, bool) {
	key := cacheKey{account: accountID, messageID: messageID}
	if msg, ok := s.l1.Get(key); ok {
		return msg, true
	}

	row, err := s.repo.Get(ctx, accountID, messageID)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn("wire frame lookup failed",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
		return nil, false
	}

	var msg protocol.WireMessage
	if err := json.Unmarshal([]byte(row.Body), &msg); err != nil {
		s.logger.Error("stored wire frame is unreadable",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return nil, false
	}

	s.l1.Add(key, &msg)
	return &msg, true
}

// GetMessageFunc adapts the store to the dialer's frame-request callback for
// one account.
func (s *Store) GetMessageFunc(accountID uuid.UUID) protocol.GetMessageFunc {
	return func(key protocol.MessageKey) (*protocol.WireMessage, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Lookup(ctx, accountID, key.ID)
	}
}

// Reclaim deletes database rows older than the retention window.
func (s *Store) Reclaim(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
}
