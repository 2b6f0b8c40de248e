package autoreply

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/gateway"
)

// Sender delivers a generated reply. The supervisor provides one backed by
// the account's runtime, so replies pass pacer admission and typing
// simulation like any other send.
type Sender interface {
	SendText(ctx context.Context, accountID uuid.UUID, to, text string) error
}

// Replier implements the router's auto-reply hook: round-robin over the
// configured adapters with category-aware failover.
type Replier struct {
	sender Sender
	system string
	logger *zap.Logger

	mu       sync.Mutex
	adapters []Adapter
	next     int
	disabled map[string]bool // adapters failed with CategoryAuth
}

func NewReplier(sender Sender, adapters []Adapter, system string, logger *zap.Logger) *Replier {
	return &Replier{
		sender:   sender,
		system:   system,
		logger:   logger.Named("autoreply"),
		adapters: adapters,
		disabled: make(map[string]bool),
	}
}

// Reply generates and sends a response to a direct message. Failures are
// logged, never propagated: a broken provider must not affect inbound
// processing.
func (r *Replier) Reply(ctx context.Context, accountID uuid.UUID, event gateway.MessageEvent) {
	if event.Message == "" {
		return
	}

	messages := []Message{{Role: "user", Content: event.Message}}
	text, ok := r.generate(ctx, messages)
	if !ok || text == "" {
		return
	}

	if err := r.sender.SendText(ctx, accountID, event.Sender, text); err != nil {
		// Cap and duplicate rejections are the pacer doing its job.
		switch gateway.KindOf(err) {
		case gateway.KindDuplicateBlocked, gateway.KindHourlyCap, gateway.KindDailyCap:
			r.logger.Debug("auto-reply suppressed by pacer",
				zap.String("account_id", accountID.String()),
				zap.String("kind", string(gateway.KindOf(err))),
			)
		default:
			r.logger.Warn("auto-reply send failed",
				zap.String("account_id", accountID.String()),
				zap.Error(err),
			)
		}
	}
}

// generate walks the adapter ring starting at the round-robin cursor. Auth
// failures disable the adapter; other categories just move on.
func (r *Replier) generate(ctx context.Context, messages []Message) (string, bool) {
	r.mu.Lock()
	adapters := append([]Adapter(nil), r.adapters...)
	start := r.next
	if len(adapters) > 0 {
		r.next = (r.next + 1) % len(adapters)
	}
	r.mu.Unlock()

	for i := 0; i < len(adapters); i++ {
		a := adapters[(start+i)%len(adapters)]
		if r.isDisabled(a.Name()) {
			continue
		}

		text, err := a.Generate(ctx, messages, r.system)
		if err == nil {
			return text, true
		}

		category := CategoryOf(err)
		if category == CategoryAuth {
			r.disable(a.Name())
		}
		r.logger.Warn("adapter failed",
			zap.String("adapter", a.Name()),
			zap.String("category", string(category)),
			zap.Error(err),
		)
	}
	return "", false
}

func (r *Replier) isDisabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[name]
}

func (r *Replier) disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = true
}
