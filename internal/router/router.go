// Package router normalizes inbound protocol messages into the canonical
// event shapes and fans them out: webhook deliveries always, auto-reply when
// one is configured and the chat is direct.
package router

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/protocol"
)

// Publisher enqueues canonical events for webhook delivery.
type Publisher interface {
	Publish(ctx context.Context, accountID uuid.UUID, kind string, payload any) error
}

// AutoReplier generates and sends a reply to a direct message. Implementations
// must send through the pacer; the router only decides whether to invoke it.
type AutoReplier interface {
	Reply(ctx context.Context, accountID uuid.UUID, event gateway.MessageEvent)
}

// Router is shared across all account runtimes; per-account context arrives
// with each call.
type Router struct {
	publisher Publisher
	autoreply AutoReplier // nil when no auto-reply is configured
	lids      *LIDMap
	logger    *zap.Logger
}

func New(publisher Publisher, autoreply AutoReplier, lids *LIDMap, logger *zap.Logger) *Router {
	return &Router{
		publisher: publisher,
		autoreply: autoreply,
		lids:      lids,
		logger:    logger.Named("router"),
	}
}

// HandleMessage normalizes one inbound message and fans it out. selfNumber is
// the account's own E.164 digits, used as the canonical recipient. Status
// broadcasts and self-echoes are dropped before any other work.
func (r *Router) HandleMessage(ctx context.Context, accountID uuid.UUID, selfNumber string, msg protocol.Message) {
	chatID := msg.Key.RemoteID
	if chatID == protocol.StatusBroadcastJID {
		return
	}
	if msg.Key.FromMe {
		return
	}

	event := gateway.NewMessageEvent(accountID.String())
	event.MessageID = msg.Key.ID
	event.ChatID = chatID
	event.IsGroup = protocol.IsGroupJID(chatID)
	event.Sender = r.resolveSender(msg.Key, event.IsGroup)
	event.Recipient = selfNumber
	event.Message = extractText(msg.Content)
	event.Timestamp = msg.Timestamp.Unix()
	event.Type = classify(msg.Content)
	event.InteractiveReply = interactiveReply(msg.Content)

	if err := r.publisher.Publish(ctx, accountID, gateway.EventKindMessage, event); err != nil {
		r.logger.Error("failed to enqueue message event",
			zap.String("account_id", accountID.String()),
			zap.String("message_id", event.MessageID),
			zap.Error(err),
		)
	}

	if r.autoreply != nil && !event.IsGroup {
		r.autoreply.Reply(ctx, accountID, event)
	}
}

// resolveSender turns the message key into E.164 digits. A sender-phone hint
// on the key wins outright; a LID without a hint goes through the learned
// map; an unresolvable LID falls back to the LID user-part rather than
// dropping the event.
func (r *Router) resolveSender(key protocol.MessageKey, isGroup bool) string {
	senderJID := key.RemoteID
	if isGroup {
		senderJID = key.Participant
	}

	if key.SenderPN != "" {
		phone := protocol.UserPart(key.SenderPN)
		if protocol.IsLIDJID(senderJID) {
			r.lids.Learn(protocol.UserPart(senderJID), phone)
		}
		return phone
	}

	user := protocol.UserPart(senderJID)
	if protocol.IsLIDJID(senderJID) {
		if phone, ok := r.lids.Resolve(user); ok {
			return phone
		}
	}
	return user
}

// HandleReceipt publishes a canonical message_ack event.
func (r *Router) HandleReceipt(ctx context.Context, accountID uuid.UUID, key protocol.MessageKey, level protocol.AckLevel, timestamp int64) {
	ack := gateway.AckEvent{
		Event:     gateway.EventKindMessageAck,
		AccountID: accountID.String(),
		MessageID: key.ID,
		Recipient: protocol.UserPart(key.RemoteID),
		Ack:       int(level),
		AckName:   gateway.AckName(int(level)),
		Timestamp: timestamp,
	}
	if err := r.publisher.Publish(ctx, accountID, gateway.EventKindMessageAck, ack); err != nil {
		r.logger.Error("failed to enqueue ack event",
			zap.String("account_id", accountID.String()),
			zap.String("message_id", key.ID),
			zap.Error(err),
		)
	}
}

// HandleContactUpdate learns a LID→phone mapping from a contact sync.
func (r *Router) HandleContactUpdate(lid, phoneNumber string) {
	r.lids.Learn(protocol.UserPart(lid), protocol.UserPart(phoneNumber))
}
