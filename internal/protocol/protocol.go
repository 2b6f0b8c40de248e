// Package protocol defines the boundary to the low-level chat-network
// protocol library (pairing, encrypted socket, wire framing). The gateway
// never implements this protocol itself — it consumes the library through the
// Dialer and Socket interfaces below and keeps all library-specific types on
// the far side of this package. No type defined here leaks raw library
// objects except WireMessage, which is deliberately opaque: its payload is
// produced and consumed only by the library's own codec.
package protocol

import (
	"context"
	"encoding/json"
	"time"
)

// DeviceIdentity is the client-identity tuple presented to the network during
// the handshake. Stable per account, distinct across accounts.
type DeviceIdentity struct {
	DeviceLabel    string
	BrowserName    string
	BrowserVersion string
}

// MessageKey identifies a message on the wire. RemoteID is the chat id (may
// be a group id or a LID); SenderPN is the phone-number hint some keys carry
// alongside an LID remote id.
type MessageKey struct {
	ID          string
	RemoteID    string
	Participant string // sender within a group chat, empty otherwise
	SenderPN    string
	FromMe      bool
}

// WireMessage is the transport-level frame for one message: the object the
// library hands back after a send (fully formed ciphertext frame) or after
// decrypting an inbound frame. Payload is the library codec's serialization
// and must round-trip through it untouched — storing anything else breaks
// the resend path, because the network requests the frame, not the caller's
// input descriptor.
type WireMessage struct {
	Key       MessageKey
	Timestamp time.Time
	Payload   json.RawMessage
}

// Content is the decrypted, readable view of an inbound message, already
// unwrapped from the library's nested envelope types.
type Content struct {
	Conversation string
	ExtendedText string

	ImageCaption string
	VideoCaption string

	HasImage    bool
	HasVideo    bool
	HasAudio    bool
	HasDocument bool
	HasSticker  bool
	HasContact  bool
	HasLocation bool

	// InteractiveID and InteractiveTitle are set for button/list responses.
	// The id prefix distinguishes the two kinds ("btn_" vs "row_").
	InteractiveID     string
	InteractiveTitle  string
	InteractiveParams string // raw params JSON, may be empty
}

// Message is one inbound message: its key, readable content, and the wire
// frame kept for the retry store.
type Message struct {
	Key       MessageKey
	Timestamp time.Time
	PushName  string
	Content   Content
	Wire      *WireMessage
}

// Presence values emitted through Socket.SendPresence.
type Presence string

const (
	PresenceAvailable Presence = "available"
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// AckLevel mirrors the network's receipt codes.
type AckLevel int

const (
	AckServer    AckLevel = 2
	AckDelivered AckLevel = 3
	AckRead      AckLevel = 4
)

// Media describes an outbound media send.
type Media struct {
	Data     []byte
	URL      string // fetched by the library when Data is empty
	MimeType string
	Filename string
	Caption  string
}

// Socket is one open, authenticated connection for a single account.
// All methods are safe to call from any goroutine; the library serializes
// frames internally.
type Socket interface {
	// SendText sends a text message and returns the library's post-send
	// message object containing the fully-formed frame.
	SendText(ctx context.Context, toJID string, text string) (*WireMessage, error)

	// SendMedia sends a media message. Same return contract as SendText.
	SendMedia(ctx context.Context, toJID string, media Media) (*WireMessage, error)

	// SubscribePresence registers interest in a peer's presence so that
	// subsequent SendPresence calls for that peer are visible to them.
	SubscribePresence(ctx context.Context, jid string) error

	// SendPresence emits a presence update. jid is empty for the account's
	// own global presence (available), non-empty for chat-scoped states
	// (composing, paused).
	SendPresence(ctx context.Context, jid string, presence Presence) error

	// Logout invalidates the session on the network side.
	Logout(ctx context.Context) error

	// Close tears down the transport without invalidating the session.
	Close() error
}
