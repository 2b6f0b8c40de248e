// Package protocoltest provides a scriptable in-memory protocol.Dialer for
// exercising the account runtime and pacer without the real network library.
// Tests enqueue sessions, push events onto their channels, and assert on the
// frames the fake socket recorded.
package protocoltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chatwire-io/chatwire/internal/protocol"
)

// SentText records one SendText call observed by the fake socket.
type SentText struct {
	To   string
	Text string
}

// PresenceCall records one SendPresence call.
type PresenceCall struct {
	JID      string
	Presence protocol.Presence
}

// Socket is the fake protocol.Socket. Zero value is usable.
type Socket struct {
	mu        sync.Mutex
	sent      []SentText
	presences []PresenceCall
	seq       int

	// SendErr, when set, fails every SendText/SendMedia call.
	SendErr error
	// PresenceErr, when set, fails presence calls. The pacer must swallow it.
	PresenceErr error

	loggedOut bool
	closed    bool
}

// SendText records the call and returns a synthetic post-send frame.
func (s *Socket) SendText(_ context.Context, toJID string, text string) (*protocol.WireMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.seq++
	s.sent = append(s.sent, SentText{To: toJID, Text: text})
	payload, _ := json.Marshal(map[string]string{"frame": text})
	return &protocol.WireMessage{
		Key: protocol.MessageKey{
			ID:       fmt.Sprintf("FAKE-%d", s.seq),
			RemoteID: toJID,
			FromMe:   true,
		},
		Timestamp: time.Now(),
		Payload:   payload,
	}, nil
}

// SendMedia behaves like SendText with the caption as the recorded text.
func (s *Socket) SendMedia(ctx context.Context, toJID string, media protocol.Media) (*protocol.WireMessage, error) {
	return s.SendText(ctx, toJID, media.Caption)
}

func (s *Socket) SubscribePresence(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PresenceErr
}

func (s *Socket) SendPresence(_ context.Context, jid string, p protocol.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresenceErr != nil {
		return s.PresenceErr
	}
	s.presences = append(s.presences, PresenceCall{JID: jid, Presence: p})
	return nil
}

func (s *Socket) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sent returns a copy of the recorded SendText calls.
func (s *Socket) Sent() []SentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentText(nil), s.sent...)
}

// Presences returns a copy of the recorded presence calls.
func (s *Socket) Presences() []PresenceCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PresenceCall(nil), s.presences...)
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LoggedOut reports whether Logout was called.
func (s *Socket) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// Session is one scripted dial result: the socket handed to the runtime and
// the event channel the test drives.
type Session struct {
	Sock   *Socket
	Events chan protocol.Event

	// Cfg is filled in when the session is dialed.
	Cfg protocol.DialConfig
}

// NewSession returns a session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		Sock:   &Socket{},
		Events: make(chan protocol.Event, 16),
	}
}

// Dialer replays a queue of scripted sessions. Dial pops the next session;
// dialing past the end of the queue returns an error, which surfaces in the
// runtime as a failed connect attempt.
type Dialer struct {
	mu       sync.Mutex
	queue    []*Session
	dialed   []*Session
	DialErrs []error // consumed before the queue, one per Dial
}

// NewDialer returns a Dialer preloaded with the given sessions.
func NewDialer(sessions ...*Session) *Dialer {
	return &Dialer{queue: sessions}
}

// Enqueue appends a session to the script.
func (d *Dialer) Enqueue(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, s)
}

// Dial implements protocol.Dialer.
func (d *Dialer) Dial(_ context.Context, cfg protocol.DialConfig) (protocol.Socket, <-chan protocol.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.DialErrs) > 0 {
		err := d.DialErrs[0]
		d.DialErrs = d.DialErrs[1:]
		if err != nil {
			return nil, nil, err
		}
	}

	if len(d.queue) == 0 {
		return nil, nil, fmt.Errorf("protocoltest: no scripted session left")
	}

	s := d.queue[0]
	d.queue = d.queue[1:]
	s.Cfg = cfg
	d.dialed = append(d.dialed, s)
	return s.Sock, s.Events, nil
}

// Dialed returns the sessions handed out so far, in dial order.
func (d *Dialer) Dialed() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.dialed...)
}

// DialCount returns how many sessions have been handed out.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}
