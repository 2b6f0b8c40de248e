// Package bridge implements the production protocol.Dialer against the
// external protocol engine. The engine owns pairing and the encrypted socket;
// this package drives it over one websocket connection per account session,
// exchanging JSON frames: commands with sequence-numbered results in one
// direction, lifecycle and message events in the other. No cryptographic
// state crosses this boundary except through the engine's own codec.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/protocol"
)

// Config locates the engine's session endpoint.
type Config struct {
	URL         string
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// Dialer opens engine-backed protocol sessions.
type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Dialer{cfg: cfg, logger: logger.Named("bridge")}
}

// Dial connects to the engine and starts a session for one account. The
// returned event channel is closed after the terminal CloseEvent.
func (d *Dialer) Dial(ctx context.Context, cfg protocol.DialConfig) (protocol.Socket, <-chan protocol.Event, error) {
	wsd := gws.Dialer{HandshakeTimeout: d.cfg.DialTimeout}
	conn, _, err := wsd.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: connect engine at %s: %w", d.cfg.URL, err)
	}

	s := &session{
		conn:        conn,
		events:      make(chan protocol.Event, 16),
		pending:     make(map[uint64]chan callResult),
		getMessage:  cfg.GetMessage,
		callTimeout: d.cfg.CallTimeout,
		closed:      make(chan struct{}),
		logger:      d.logger,
	}
	go s.readLoop()

	req := dialRequest{
		AuthDir:        cfg.AuthDir,
		DeviceLabel:    cfg.Identity.DeviceLabel,
		BrowserName:    cfg.Identity.BrowserName,
		BrowserVersion: cfg.Identity.BrowserVersion,
		MarkOnline:     cfg.MarkOnlineOnConnect,
	}
	if _, err := s.call(ctx, opDial, req); err != nil {
		_ = s.Close()
		return nil, nil, fmt.Errorf("bridge: start session: %w", err)
	}

	return s, s.events, nil
}

// Frame ops. Commands carry a sequence number echoed by the matching result;
// get_message requests flow engine→gateway and are answered with opFrame.
const (
	opDial              = "dial"
	opSendText          = "send_text"
	opSendMedia         = "send_media"
	opSubscribePresence = "subscribe_presence"
	opPresence          = "presence"
	opLogout            = "logout"
	opResult            = "result"
	opEvent             = "event"
	opGetMessage        = "get_message"
	opFrame             = "frame"
)

type frame struct {
	Op    string          `json:"op"`
	Seq   uint64          `json:"seq,omitempty"`
	Event string          `json:"event,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type dialRequest struct {
	AuthDir        string `json:"auth_dir"`
	DeviceLabel    string `json:"device_label"`
	BrowserName    string `json:"browser_name"`
	BrowserVersion string `json:"browser_version"`
	MarkOnline     bool   `json:"mark_online"`
}

type sendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendMediaRequest struct {
	To       string `json:"to"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type presenceRequest struct {
	JID   string `json:"jid,omitempty"`
	State string `json:"state"`
}

type wireKey struct {
	ID          string `json:"id"`
	RemoteID    string `json:"remote_id"`
	Participant string `json:"participant,omitempty"`
	SenderPN    string `json:"sender_pn,omitempty"`
	FromMe      bool   `json:"from_me"`
}

func (k wireKey) toKey() protocol.MessageKey {
	return protocol.MessageKey{
		ID:          k.ID,
		RemoteID:    k.RemoteID,
		Participant: k.Participant,
		SenderPN:    k.SenderPN,
		FromMe:      k.FromMe,
	}
}

func keyJSON(k protocol.MessageKey) wireKey {
	return wireKey{
		ID:          k.ID,
		RemoteID:    k.RemoteID,
		Participant: k.Participant,
		SenderPN:    k.SenderPN,
		FromMe:      k.FromMe,
	}
}

// wireFrame is the engine codec's serialization of one message frame. Payload
// is opaque: it round-trips between the engine and the retry store untouched.
type wireFrame struct {
	Key       wireKey         `json:"key"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (f wireFrame) toWire() *protocol.WireMessage {
	return &protocol.WireMessage{
		Key:       f.Key.toKey(),
		Timestamp: time.Unix(f.Timestamp, 0),
		Payload:   f.Payload,
	}
}

func frameJSON(m *protocol.WireMessage) wireFrame {
	return wireFrame{
		Key:       keyJSON(m.Key),
		Timestamp: m.Timestamp.Unix(),
		Payload:   m.Payload,
	}
}

// wireContent mirrors protocol.Content with the engine's field names.
type wireContent struct {
	Conversation string `json:"conversation,omitempty"`
	ExtendedText string `json:"extended_text,omitempty"`
	ImageCaption string `json:"image_caption,omitempty"`
	VideoCaption string `json:"video_caption,omitempty"`

	HasImage    bool `json:"has_image,omitempty"`
	HasVideo    bool `json:"has_video,omitempty"`
	HasAudio    bool `json:"has_audio,omitempty"`
	HasDocument bool `json:"has_document,omitempty"`
	HasSticker  bool `json:"has_sticker,omitempty"`
	HasContact  bool `json:"has_contact,omitempty"`
	HasLocation bool `json:"has_location,omitempty"`

	InteractiveID     string `json:"interactive_id,omitempty"`
	InteractiveTitle  string `json:"interactive_title,omitempty"`
	InteractiveParams string `json:"interactive_params,omitempty"`
}

func (c wireContent) toContent() protocol.Content {
	return protocol.Content{
		Conversation:      c.Conversation,
		ExtendedText:      c.ExtendedText,
		ImageCaption:      c.ImageCaption,
		VideoCaption:      c.VideoCaption,
		HasImage:          c.HasImage,
		HasVideo:          c.HasVideo,
		HasAudio:          c.HasAudio,
		HasDocument:       c.HasDocument,
		HasSticker:        c.HasSticker,
		HasContact:        c.HasContact,
		HasLocation:       c.HasLocation,
		InteractiveID:     c.InteractiveID,
		InteractiveTitle:  c.InteractiveTitle,
		InteractiveParams: c.InteractiveParams,
	}
}

type frameAnswer struct {
	Found bool       `json:"found"`
	Frame *wireFrame `json:"frame,omitempty"`
}

type callResult struct {
	data json.RawMessage
	err  error
}

// session is one live engine connection. The read loop is the only reader;
// writes from calls and get_message answers serialize on writeMu.
type session struct {
	conn        *gws.Conn
	events      chan protocol.Event
	getMessage  protocol.GetMessageFunc
	callTimeout time.Duration
	logger      *zap.Logger

	writeMu sync.Mutex
	seqMu   sync.Mutex
	seq     uint64
	pending map[uint64]chan callResult

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *session) call(ctx context.Context, op string, data any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s: %w", op, err)
	}

	ch := make(chan callResult, 1)
	s.seqMu.Lock()
	s.seq++
	seq := s.seq
	s.pending[seq] = ch
	s.seqMu.Unlock()

	defer func() {
		s.seqMu.Lock()
		delete(s.pending, seq)
		s.seqMu.Unlock()
	}()

	if err := s.write(frame{Op: op, Seq: seq, Data: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(s.callTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errors.New("bridge: session closed")
	case <-timer.C:
		return nil, fmt.Errorf("bridge: %s timed out after %s", op, s.callTimeout)
	}
}

func (s *session) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.callTimeout))
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("bridge: write %s: %w", f.Op, err)
	}
	return nil
}

// readLoop dispatches results to waiting calls, maps events onto the protocol
// event types, and services the engine's resend lookups. It guarantees the
// events channel ends with exactly one CloseEvent and is then closed.
func (s *session) readLoop() {
	defer func() {
		s.markClosed()
		close(s.events)
	}()

	closeSent := false
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !closeSent {
				s.emit(protocol.CloseEvent{Reason: protocol.ReasonUnknown, Err: err})
			}
			return
		}

		switch f.Op {
		case opResult:
			s.seqMu.Lock()
			ch, ok := s.pending[f.Seq]
			s.seqMu.Unlock()
			if !ok {
				continue
			}
			res := callResult{data: f.Data}
			if f.Error != "" {
				res.err = fmt.Errorf("engine: %s", f.Error)
			}
			ch <- res

		case opEvent:
			if ev, terminal := s.mapEvent(f); ev != nil {
				if !s.emit(ev) {
					return
				}
				if terminal {
					closeSent = true
				}
			}

		case opGetMessage:
			go s.answerGetMessage(f)
		}
	}
}

// emit delivers an event unless the session has been closed. A consumer that
// stopped draining must not pin the read loop on a full buffer forever.
func (s *session) emit(ev protocol.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

// mapEvent translates one engine event frame. The bool is true for the
// terminal close event.
func (s *session) mapEvent(f frame) (protocol.Event, bool) {
	switch f.Event {
	case "qr":
		var ev struct {
			DataURL string `json:"data_url"`
		}
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, false
		}
		return protocol.QREvent{DataURL: ev.DataURL}, false

	case "open":
		var ev struct {
			SelfID      string `json:"self_id"`
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, false
		}
		return protocol.OpenEvent{SelfID: ev.SelfID, PhoneNumber: ev.PhoneNumber}, false

	case "close":
		var ev struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return protocol.CloseEvent{Reason: protocol.ReasonUnknown}, true
		}
		var cause error
		if ev.Message != "" {
			cause = errors.New(ev.Message)
		}
		return protocol.CloseEvent{Reason: closeReason(ev.Reason), Err: cause}, true

	case "creds":
		return protocol.CredsUpdateEvent{}, false

	case "message":
		var ev struct {
			Key       wireKey     `json:"key"`
			Timestamp int64       `json:"timestamp"`
			PushName  string      `json:"push_name"`
			Content   wireContent `json:"content"`
			Frame     *wireFrame  `json:"frame"`
		}
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			s.logger.Warn("undecodable message event", zap.Error(err))
			return nil, false
		}
		msg := protocol.Message{
			Key:       ev.Key.toKey(),
			Timestamp: time.Unix(ev.Timestamp, 0),
			PushName:  ev.PushName,
			Content:   ev.Content.toContent(),
		}
		if ev.Frame != nil {
			msg.Wire = ev.Frame.toWire()
		}
		return protocol.MessageEvent{Msg: msg}, false

	case "receipt":
		var ev struct {
			Key       wireKey `json:"key"`
			Level     int     `json:"level"`
			Timestamp int64   `json:"timestamp"`
		}
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, false
		}
		return protocol.ReceiptEvent{
			Key:       ev.Key.toKey(),
			Level:     protocol.AckLevel(ev.Level),
			Timestamp: ev.Timestamp,
		}, false

	case "contact":
		var ev struct {
			LID         string `json:"lid"`
			PhoneNumber string `json:"phone_number"`
		}
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return nil, false
		}
		return protocol.ContactUpdateEvent{LID: ev.LID, PhoneNumber: ev.PhoneNumber}, false

	default:
		s.logger.Debug("ignoring unknown engine event", zap.String("event", f.Event))
		return nil, false
	}
}

func closeReason(name string) protocol.CloseReason {
	switch name {
	case "logged_out":
		return protocol.ReasonLoggedOut
	case "connection_replaced":
		return protocol.ReasonConnectionReplaced
	case "restart_required":
		return protocol.ReasonRestartRequired
	case "connection_closed":
		return protocol.ReasonConnectionClosed
	default:
		return protocol.ReasonUnknown
	}
}

// answerGetMessage services one resend lookup. A miss is reported explicitly;
// the engine must never receive a synthesized empty frame.
func (s *session) answerGetMessage(f frame) {
	var key wireKey
	if err := json.Unmarshal(f.Data, &key); err != nil {
		s.logger.Warn("undecodable get_message request", zap.Error(err))
		return
	}

	answer := frameAnswer{}
	if s.getMessage != nil {
		if m, ok := s.getMessage(key.toKey()); ok {
			wf := frameJSON(m)
			answer = frameAnswer{Found: true, Frame: &wf}
		}
	}

	raw, err := json.Marshal(answer)
	if err != nil {
		return
	}
	if err := s.write(frame{Op: opFrame, Seq: f.Seq, Data: raw}); err != nil {
		s.logger.Warn("failed to answer get_message", zap.Error(err))
	}
}

func (s *session) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// --- protocol.Socket ---

func (s *session) SendText(ctx context.Context, toJID, text string) (*protocol.WireMessage, error) {
	raw, err := s.call(ctx, opSendText, sendTextRequest{To: toJID, Text: text})
	if err != nil {
		return nil, err
	}
	return decodeFrame(raw)
}

func (s *session) SendMedia(ctx context.Context, toJID string, media protocol.Media) (*protocol.WireMessage, error) {
	req := sendMediaRequest{
		To:       toJID,
		Data:     media.Data,
		URL:      media.URL,
		MimeType: media.MimeType,
		Filename: media.Filename,
		Caption:  media.Caption,
	}
	raw, err := s.call(ctx, opSendMedia, req)
	if err != nil {
		return nil, err
	}
	return decodeFrame(raw)
}

func (s *session) SubscribePresence(ctx context.Context, jid string) error {
	_, err := s.call(ctx, opSubscribePresence, presenceRequest{JID: jid})
	return err
}

func (s *session) SendPresence(ctx context.Context, jid string, presence protocol.Presence) error {
	_, err := s.call(ctx, opPresence, presenceRequest{JID: jid, State: string(presence)})
	return err
}

func (s *session) Logout(ctx context.Context) error {
	_, err := s.call(ctx, opLogout, struct{}{})
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *session) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.markClosed()
	return s.conn.Close()
}

func decodeFrame(raw json.RawMessage) (*protocol.WireMessage, error) {
	var wf wireFrame
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("bridge: decode frame: %w", err)
	}
	return wf.toWire(), nil
}
