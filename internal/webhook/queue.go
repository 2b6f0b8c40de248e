// Package webhook implements the durable delivery queue: at-least-once
// fan-out of canonical events to subscribed URLs with bounded retries,
// dead-lettering, and stuck-job recovery. Jobs snapshot the subscription's
// URL and secret at enqueue time so an in-flight delivery completes unchanged
// even if the subscription is edited or deleted underneath it.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/config"
	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/metrics"
	"github.com/chatwire-io/chatwire/internal/repositories"
)

// subsCacheTTL bounds how stale the enqueue path's view of subscriptions can
// be. New or edited webhooks take effect within this window.
const subsCacheTTL = 30 * time.Second

// Queue is the webhook delivery queue: Publish on the enqueue side, Run for
// the single worker loop.
type Queue struct {
	cfg       config.Webhook
	webhooks  repositories.WebhookRepository
	jobs      repositories.DeliveryRepository
	client    *http.Client
	logger    *zap.Logger
	metrics   *metrics.Metrics
	userAgent string

	subs *lru.LRU[uuid.UUID, []db.Webhook]

	now func() time.Time
}

func NewQueue(cfg config.Webhook, webhooks repositories.WebhookRepository, jobs repositories.DeliveryRepository, m *metrics.Metrics, version string, logger *zap.Logger) *Queue {
	return &Queue{
		cfg:       cfg,
		webhooks:  webhooks,
		jobs:      jobs,
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    logger.Named("webhook"),
		metrics:   m,
		userAgent: "chatwire/" + version,
		subs:      lru.NewLRU[uuid.UUID, []db.Webhook](1024, nil, subsCacheTTL),
		now:       time.Now,
	}
}

// subscriptions returns the account's active subscriptions through the
// short-TTL cache.
func (q *Queue) subscriptions(ctx context.Context, accountID uuid.UUID) ([]db.Webhook, error) {
	if cached, ok := q.subs.Get(accountID); ok {
		return cached, nil
	}
	subs, err := q.webhooks.ListActiveByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	q.subs.Add(accountID, subs)
	return subs, nil
}

// Invalidate drops the cached subscription list after a webhook CRUD change.
func (q *Queue) Invalidate(accountID uuid.UUID) {
	q.subs.Remove(accountID)
}

// subscribesTo reports whether the events JSON array covers the kind.
func subscribesTo(eventsJSON, kind string) bool {
	var events []string
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == kind || e == "*" || strings.EqualFold(e, "all") {
			return true
		}
	}
	return false
}

// Publish inserts one pending job per matching subscription. A failed insert
// for one subscription does not stop the others; the first error is returned
// after the loop.
func (q *Queue) Publish(ctx context.Context, accountID uuid.UUID, kind string, payload any) error {
	subs, err := q.subscriptions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("webhook: load subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	var firstErr error
	for _, sub := range subs {
		if !subscribesTo(sub.Events, kind) {
			continue
		}
		maxRetries := sub.MaxRetries
		if maxRetries <= 0 {
			maxRetries = q.cfg.MaxRetries
		}
		job := &db.DeliveryJob{
			AccountID:     accountID,
			WebhookID:     sub.ID,
			WebhookURL:    sub.URL,
			WebhookSecret: sub.Secret,
			Payload:       string(body),
			Status:        db.JobPending,
			MaxRetries:    maxRetries,
			NextAttemptAt: q.now().UTC(),
		}
		if err := q.jobs.Insert(ctx, job); err != nil {
			q.logger.Error("failed to enqueue delivery job",
				zap.String("account_id", accountID.String()),
				zap.String("url", sub.URL),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run drives the worker loop until ctx is cancelled. Stuck jobs are recovered
// once at start and then on every sweep interval.
func (q *Queue) Run(ctx context.Context) {
	q.recoverStuck(ctx)

	tick := time.NewTicker(q.cfg.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(q.cfg.Staleness)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			q.recoverStuck(ctx)
		case <-tick.C:
			q.drainDue(ctx)
		}
	}
}

func (q *Queue) recoverStuck(ctx context.Context) {
	n, err := q.jobs.RecoverStuck(ctx, q.now().UTC().Add(-q.cfg.Staleness))
	if err != nil {
		q.logger.Error("stuck-job recovery failed", zap.Error(err))
		return
	}
	if n > 0 {
		q.logger.Warn("recovered stuck delivery jobs", zap.Int64("count", n))
	}
}

func (q *Queue) drainDue(ctx context.Context) {
	due, err := q.jobs.Due(ctx, q.now().UTC(), q.cfg.BatchSize)
	if err != nil {
		q.logger.Error("failed to load due jobs", zap.Error(err))
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		job := &due[i]
		claimed, err := q.jobs.Claim(ctx, job.ID)
		if err != nil {
			q.logger.Error("claim failed", zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		job.AttemptCount++ // mirror the claim's increment
		q.deliver(ctx, job)
	}
}

// deliver performs one HTTP attempt for a claimed job and records the
// outcome.
//
// Classification: 2xx succeeds; 4xx other than 408/429 dead-letters
// immediately (permanent by contract); everything else — 5xx, 408, 429,
// transport errors — retries with exponential backoff until the attempt
// budget runs out. Oversized payloads dead-letter as a synthesized 413
// without touching the network.
func (q *Queue) deliver(ctx context.Context, job *db.DeliveryJob) {
	if int64(len(job.Payload)) > q.cfg.MaxPayload {
		status := http.StatusRequestEntityTooLarge
		q.markDeadLetter(ctx, job, &status, "payload exceeds size limit")
		return
	}

	body, timeout := adaptPayload(job.WebhookURL, []byte(job.Payload))

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, job.WebhookURL, bytes.NewReader(body))
	if err != nil {
		q.markDeadLetter(ctx, job, nil, "invalid webhook url: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", q.userAgent)
	req.Header.Set("X-Account-ID", job.AccountID.String())
	if job.WebhookSecret != "" {
		req.Header.Set("X-Webhook-Secret", string(job.WebhookSecret))
	}

	start := q.now()
	resp, err := q.client.Do(req)
	q.metrics.WebhookDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		q.retryOrDeadLetter(ctx, job, nil, "transport: "+err.Error())
		return
	}
	resp.Body.Close()

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		if err := q.jobs.MarkSuccess(ctx, job.ID, status); err != nil {
			q.logger.Error("failed to mark success", zap.String("job_id", job.ID.String()), zap.Error(err))
			return
		}
		q.metrics.WebhookDelivered.Inc()
		q.logger.Debug("delivered",
			zap.String("job_id", job.ID.String()),
			zap.String("url", job.WebhookURL),
			zap.Int("status", status),
		)

	case status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests:
		q.markDeadLetter(ctx, job, &status, fmt.Sprintf("permanent http %d", status))

	default:
		q.retryOrDeadLetter(ctx, job, &status, fmt.Sprintf("http %d", status))
	}
}

func (q *Queue) retryOrDeadLetter(ctx context.Context, job *db.DeliveryJob, status *int, reason string) {
	if job.AttemptCount >= job.MaxRetries {
		q.markDeadLetter(ctx, job, status, "retries exhausted: "+reason)
		return
	}

	next := q.now().UTC().Add(q.backoff(job.AttemptCount))
	if err := q.jobs.MarkFailed(ctx, job.ID, next, reason); err != nil {
		q.logger.Error("failed to mark failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	q.metrics.WebhookFailed.Inc()
	q.logger.Warn("delivery failed, retrying",
		zap.String("job_id", job.ID.String()),
		zap.String("url", job.WebhookURL),
		zap.Int("attempt", job.AttemptCount),
		zap.Time("next_attempt_at", next),
		zap.String("reason", reason),
	)
}

func (q *Queue) markDeadLetter(ctx context.Context, job *db.DeliveryJob, status *int, reason string) {
	if err := q.jobs.MarkDeadLetter(ctx, job.ID, status, reason); err != nil {
		q.logger.Error("failed to mark dead letter", zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}
	q.metrics.WebhookDeadLetter.Inc()
	q.logger.Warn("delivery dead lettered",
		zap.String("job_id", job.ID.String()),
		zap.String("url", job.WebhookURL),
		zap.Int("attempts", job.AttemptCount),
		zap.String("reason", reason),
	)
}

// backoff returns min(base * 2^(attempt-1), max) for attempt >= 1.
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

// SendTest performs an immediate, signed delivery to one subscription outside
// the queue. Used by the API when a caller registers a webhook and asks for a
// test ping.
func (q *Queue) SendTest(ctx context.Context, sub *db.Webhook, accountID uuid.UUID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	body, timeout := adaptPayload(sub.URL, raw)

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", q.userAgent)
	req.Header.Set("X-Account-ID", accountID.String())
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Secret", string(sub.Secret))
		req.Header.Set("X-Webhook-Signature", signBody(string(sub.Secret), body))
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("test delivery returned http " + resp.Status)
	}
	return nil
}
