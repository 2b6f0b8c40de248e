package runtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/db"
	"github.com/chatwire-io/chatwire/internal/protocol"
)

// handleClose applies the reconnect policy for a closed session. Returns the
// reason and whether Run should open another session.
func (r *Runtime) handleClose(ctx context.Context, ev protocol.CloseEvent) (protocol.CloseReason, bool) {
	r.mu.Lock()
	r.sock = nil
	wasPairing := r.state == StateInitializing || r.state == StateNeedsQR || r.state == StateQRReady
	r.mu.Unlock()

	r.deps.Metrics.ReconnectAttempts.WithLabelValues(ev.Reason.String()).Inc()
	r.logger.Info("session closed",
		zap.String("reason", ev.Reason.String()),
		zap.Error(ev.Err),
	)

	switch ev.Reason {
	case protocol.ReasonLoggedOut:
		// The network invalidated the session; the blob is dead weight and
		// the account must pair from scratch.
		if err := r.deps.Auth.Clear(ctx, r.accountID); err != nil {
			r.logger.Error("failed to clear auth after logout", zap.Error(err))
		}
		r.mu.Lock()
		r.state = StateLoggedOut
		r.lastMessage = "session was logged out; a new pairing is required"
		r.mu.Unlock()
		if err := r.deps.Accounts.UpdateStatus(ctx, r.accountID, db.StatusNeedsQR); err != nil {
			r.logger.Warn("failed to persist account status", zap.Error(err))
		}
		if r.deps.Notifier != nil {
			r.deps.Notifier.AccountDisconnected(r.accountID, ev.Reason.String(), r.LastMessage())
		}
		return ev.Reason, false

	case protocol.ReasonConnectionReplaced:
		return ev.Reason, r.replacedReconnect(ctx)

	case protocol.ReasonRestartRequired, protocol.ReasonConnectionClosed:
		if wasPairing {
			// Mid-pairing restart: the scratch keys on disk are the handshake.
			// Reconnect without touching local files or the store.
			if err := r.sleep(ctx, r.jitter(15*time.Second, 30*time.Second)); err != nil {
				return ev.Reason, false
			}
			return ev.Reason, true
		}
		return protocol.ReasonUnknown, r.backoffReconnect(ctx, ev.Reason)

	default:
		return protocol.ReasonUnknown, r.backoffReconnect(ctx, ev.Reason)
	}
}

// backoffReconnect handles the "intend to continue" class: short jittered
// delay, no attempt cap (the counter resets on Ready).
func (r *Runtime) backoffReconnect(ctx context.Context, reason protocol.CloseReason) bool {
	r.setState(ctx, StateReconnecting, db.StatusReconnecting)
	if err := r.sleep(ctx, r.jitter(10*time.Second, 20*time.Second)); err != nil {
		return false
	}
	return true
}

// replacedReconnect handles connection_replaced: another client owns the
// session. Backoff runs 30s, 60s, ... capped at 10m, and at most two attempts
// per rolling hour — retrying harder reproduces the ban fingerprint.
func (r *Runtime) replacedReconnect(ctx context.Context) bool {
	now := r.now()

	r.replacedMu.Lock()
	cutoff := now.Add(-time.Hour)
	keep := r.replacedAttempts[:0]
	for _, ts := range r.replacedAttempts {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	r.replacedAttempts = keep
	attempts := len(r.replacedAttempts)
	if attempts < replacedAttemptsPerHour {
		r.replacedAttempts = append(r.replacedAttempts, now)
	}
	r.replacedMu.Unlock()

	if attempts >= replacedAttemptsPerHour {
		message := "another device is using this session; close other sessions and wait at least an hour before reconnecting"
		r.mu.Lock()
		r.lastMessage = message
		r.mu.Unlock()
		r.setState(ctx, StateDisconnected, db.StatusDisconnected)
		if r.deps.Notifier != nil {
			r.deps.Notifier.AccountDisconnected(r.accountID, protocol.ReasonConnectionReplaced.String(), message)
		}
		return false
	}

	delay := 30 * time.Second << attempts
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	r.setState(ctx, StateReconnecting, db.StatusReconnecting)
	r.logger.Warn("session replaced by another client, backing off",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempts+1),
	)
	if err := r.sleep(ctx, delay); err != nil {
		return false
	}
	return true
}
