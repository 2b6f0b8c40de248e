package protocol

import "context"

// CloseReason classifies why a transport closed. The account runtime's
// reconnect policy branches on this and nothing else, so the library adapter
// must map its error codes onto exactly these values.
type CloseReason int

const (
	// ReasonUnknown — any close the adapter could not classify. Treated as
	// "intend to continue": reconnect with jitter.
	ReasonUnknown CloseReason = iota

	// ReasonLoggedOut — the session was invalidated (user unlinked the
	// device, or the network revoked it). Terminal; auth must be cleared.
	ReasonLoggedOut

	// ReasonConnectionReplaced — another client took over the session.
	// Reconnecting aggressively here reproduces the exact fingerprint the
	// network bans on, so the runtime caps retries hard.
	ReasonConnectionReplaced

	// ReasonRestartRequired — the library asks for a socket restart, usually
	// mid-pairing. Reconnect without touching local or stored auth state.
	ReasonRestartRequired

	// ReasonConnectionClosed — clean transport close during pairing.
	ReasonConnectionClosed
)

// String returns the reason name used in logs and user-visible messages.
func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonRestartRequired:
		return "restart_required"
	case ReasonConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

// Event is the sum type delivered on a session's event channel. The channel
// is closed after a CloseEvent is delivered.
type Event interface{ isEvent() }

// QREvent carries a freshly rotated pairing code as a data URL suitable for
// direct rendering in an <img> tag.
type QREvent struct {
	DataURL string
}

// OpenEvent signals connection.open with a completed pairing. SelfID is the
// library's me.id; PhoneNumber is its E.164 digits.
type OpenEvent struct {
	SelfID      string
	PhoneNumber string
}

// CloseEvent signals transport close with a classified reason.
type CloseEvent struct {
	Reason CloseReason
	Err    error
}

// CredsUpdateEvent signals that the library rotated key material and the
// local auth directory changed on disk. The runtime responds with a
// debounced save.
type CredsUpdateEvent struct{}

// MessageEvent delivers one decrypted inbound message.
type MessageEvent struct {
	Msg Message
}

// ReceiptEvent delivers a delivery receipt for an outbound message.
type ReceiptEvent struct {
	Key       MessageKey
	Level     AckLevel
	Timestamp int64
}

// ContactUpdateEvent delivers a LID→phone mapping discovered from a contact
// sync or profile update.
type ContactUpdateEvent struct {
	LID         string
	PhoneNumber string
}

func (QREvent) isEvent()            {}
func (OpenEvent) isEvent()          {}
func (CloseEvent) isEvent()         {}
func (CredsUpdateEvent) isEvent()   {}
func (MessageEvent) isEvent()       {}
func (ReceiptEvent) isEvent()       {}
func (ContactUpdateEvent) isEvent() {}

// GetMessageFunc is the resend callback the library invokes when the network
// requests a frame it failed to deliver. Returning ok=false makes the library
// report an explicit miss — it must never synthesize an empty frame.
type GetMessageFunc func(key MessageKey) (*WireMessage, bool)

// DialConfig parameterizes one session attempt.
type DialConfig struct {
	// AuthDir is the local directory holding the credentials file and key
	// files. The library reads and mutates it freely during the session.
	AuthDir string

	// Identity is the stable per-account client fingerprint.
	Identity DeviceIdentity

	// GetMessage services the network's resend requests.
	GetMessage GetMessageFunc

	// MarkOnlineOnConnect controls whether the library announces available
	// presence immediately on open. The gateway always sets this false and
	// flushes presence itself on a delayed, per-account schedule.
	MarkOnlineOnConnect bool
}

// Dialer opens protocol sessions. The production implementation wraps the
// external protocol library; tests use protocoltest.Dialer.
type Dialer interface {
	// Dial starts a session. The returned event channel yields pairing,
	// lifecycle, and message events until the session closes.
	Dial(ctx context.Context, cfg DialConfig) (Socket, <-chan Event, error)
}
