package gateway

import "time"

// Event kinds delivered to webhook subscribers. Subscriptions may also carry
// "*" or "all" to receive every kind.
const (
	EventKindMessage    = "message"
	EventKindMessageAck = "message_ack"
	EventKindStatus     = "status"
)

// InteractiveReply carries the structured part of a button or list response.
// Type is "button_reply" or "list_reply", distinguished by the id prefix the
// protocol library assigns when the interactive message was sent.
type InteractiveReply struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Title  string `json:"title"`
	Params string `json:"params,omitempty"`
}

// MessageEvent is the canonical inbound message shape. Sender and Recipient
// are E.164 digit strings; LIDs are resolved before this struct is built.
type MessageEvent struct {
	Event            string            `json:"event"`
	AccountID        string            `json:"account_id"`
	Direction        string            `json:"direction"`
	MessageID        string            `json:"message_id"`
	Sender           string            `json:"sender"`
	Recipient        string            `json:"recipient"`
	Message          string            `json:"message"`
	Timestamp        int64             `json:"timestamp"`
	Type             string            `json:"type"`
	ChatID           string            `json:"chat_id"`
	IsGroup          bool              `json:"is_group"`
	InteractiveReply *InteractiveReply `json:"interactive_reply"`
	CreatedAt        string            `json:"created_at"`
}

// Message type classification for MessageEvent.Type.
const (
	MessageTypeText             = "text"
	MessageTypeImage            = "image"
	MessageTypeVideo            = "video"
	MessageTypeAudio            = "audio"
	MessageTypeDocument         = "document"
	MessageTypeSticker          = "sticker"
	MessageTypeContact          = "contact"
	MessageTypeLocation         = "location"
	MessageTypeInteractiveReply = "interactive_reply"
)

// AckEvent is the canonical delivery-receipt shape. Ack levels follow the
// network's receipt codes: 2 = sent to server, 3 = delivered, 4 = read.
type AckEvent struct {
	Event     string `json:"event"`
	AccountID string `json:"account_id"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Ack       int    `json:"ack"`
	AckName   string `json:"ack_name"`
	Timestamp int64  `json:"timestamp"`
}

// AckName maps a receipt code to its human-readable name. Unknown codes
// return the empty string.
func AckName(ack int) string {
	switch ack {
	case 2:
		return "sent"
	case 3:
		return "delivered"
	case 4:
		return "read"
	}
	return ""
}

// NewMessageEvent fills the fixed fields of a MessageEvent.
func NewMessageEvent(accountID string) MessageEvent {
	return MessageEvent{
		Event:     EventKindMessage,
		AccountID: accountID,
		Direction: "incoming",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}
