// Package websocket implements the real-time pub/sub hub that pushes account
// lifecycle events to connected dashboard clients: pairing codes as they
// rotate, ready transitions, and disconnects. Server-push only; clients send
// nothing but pong frames.
package websocket

import "github.com/google/uuid"

// Topic scopes a subscription. The vocabulary is fixed: the firehose, or one
// account's lifecycle stream.
type Topic string

// AllAccountsTopic carries every account's lifecycle events.
const AllAccountsTopic Topic = "accounts"

// AccountTopic returns the lifecycle topic for one account.
func AccountTopic(accountID uuid.UUID) Topic {
	return Topic("account:" + accountID.String())
}

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgAccountQR is sent each time the pairing code rotates. The payload
	// carries the QR data URL the dashboard renders.
	MsgAccountQR MessageType = "account.qr"

	// MsgAccountReady is sent when a session opens and the phone number is
	// known.
	MsgAccountReady MessageType = "account.ready"

	// MsgAccountDisconnected is sent on terminal disconnects with the close
	// reason and a user-facing message.
	MsgAccountDisconnected MessageType = "account.disconnected"
)

// Message is the envelope for every frame sent to clients.
type Message struct {
	Type    MessageType `json:"type"`
	Topic   Topic       `json:"topic"`
	Payload any         `json:"payload"`
}
