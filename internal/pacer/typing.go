package pacer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/protocol"
)

// TypingDuration returns how long the composing state should be held for a
// message body: reading-speed linear in length, clamped, plus uniform jitter.
func (p *Pacer) TypingDuration(body string) time.Duration {
	perChar := float64(time.Second) / p.cfg.TypingCharsSec
	d := time.Duration(float64(len(body)) * perChar)
	if d < p.cfg.TypingMin {
		d = p.cfg.TypingMin
	}
	if d > p.cfg.TypingMax {
		d = p.cfg.TypingMax
	}
	return d + p.jitter(p.cfg.JitterMax)
}

// SimulateTyping plays the composing/paused presence sequence a human client
// produces before a send. Presence failures are logged and swallowed: typing
// is camouflage, and a presence hiccup must never block the actual message.
// Only context cancellation aborts, so shutdown is not held up by the sleep.
func (p *Pacer) SimulateTyping(ctx context.Context, sock protocol.Socket, peer, body string) error {
	if err := sock.SubscribePresence(ctx, peer); err != nil {
		p.logger.Debug("presence subscribe failed", zap.String("peer", peer), zap.Error(err))
	}
	if err := sock.SendPresence(ctx, peer, protocol.PresenceComposing); err != nil {
		p.logger.Debug("composing presence failed", zap.String("peer", peer), zap.Error(err))
	}

	if err := p.sleep(ctx, p.TypingDuration(body)); err != nil {
		return err
	}

	if err := sock.SendPresence(ctx, peer, protocol.PresencePaused); err != nil {
		p.logger.Debug("paused presence failed", zap.String("peer", peer), zap.Error(err))
	}
	return nil
}
