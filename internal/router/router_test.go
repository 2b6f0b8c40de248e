package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/gateway"
	"github.com/chatwire-io/chatwire/internal/protocol"
)

type published struct {
	kind    string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(_ context.Context, _ uuid.UUID, kind string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{kind: kind, payload: payload})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.events...)
}

type fakeReplier struct {
	mu     sync.Mutex
	events []gateway.MessageEvent
}

func (f *fakeReplier) Reply(_ context.Context, _ uuid.UUID, event gateway.MessageEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func inboundText(id, chat, text string) protocol.Message {
	return protocol.Message{
		Key:       protocol.MessageKey{ID: id, RemoteID: chat},
		Timestamp: time.Unix(1756000000, 0),
		Content:   protocol.Content{Conversation: text},
	}
}

func TestHandleMessage_NormalizesText(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, nil, NewLIDMap(), zap.NewNop())
	accountID := uuid.New()

	r.HandleMessage(context.Background(), accountID, "15559990000",
		inboundText("MSG-1", "15551234567@s.net", "hello there"))

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, gateway.EventKindMessage, events[0].kind)

	ev, ok := events[0].payload.(gateway.MessageEvent)
	require.True(t, ok)
	assert.Equal(t, "message", ev.Event)
	assert.Equal(t, accountID.String(), ev.AccountID)
	assert.Equal(t, "incoming", ev.Direction)
	assert.Equal(t, "MSG-1", ev.MessageID)
	assert.Equal(t, "15551234567", ev.Sender)
	assert.Equal(t, "15559990000", ev.Recipient)
	assert.Equal(t, "hello there", ev.Message)
	assert.Equal(t, int64(1756000000), ev.Timestamp)
	assert.Equal(t, gateway.MessageTypeText, ev.Type)
	assert.False(t, ev.IsGroup)
	assert.Nil(t, ev.InteractiveReply)
}

func TestHandleMessage_DropsStatusBroadcastAndSelfEcho(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, nil, NewLIDMap(), zap.NewNop())

	r.HandleMessage(context.Background(), uuid.New(), "1555",
		inboundText("MSG-2", protocol.StatusBroadcastJID, "status update"))

	echo := inboundText("MSG-3", "15551234567@s.net", "me")
	echo.Key.FromMe = true
	r.HandleMessage(context.Background(), uuid.New(), "1555", echo)

	assert.Empty(t, pub.all())
}

func TestHandleMessage_GroupSenderIsParticipant(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, nil, NewLIDMap(), zap.NewNop())

	msg := protocol.Message{
		Key: protocol.MessageKey{
			ID:          "MSG-4",
			RemoteID:    "12036304@g.net",
			Participant: "15551234567:2@s.net",
		},
		Timestamp: time.Now(),
		Content:   protocol.Content{Conversation: "group hello"},
	}
	r.HandleMessage(context.Background(), uuid.New(), "1555", msg)

	events := pub.all()
	require.Len(t, events, 1)
	ev := events[0].payload.(gateway.MessageEvent)
	assert.True(t, ev.IsGroup)
	assert.Equal(t, "12036304@g.net", ev.ChatID)
	assert.Equal(t, "15551234567", ev.Sender, "device suffix must be stripped")
}

func TestHandleMessage_SenderPNHintWinsAndTeachesLIDMap(t *testing.T) {
	pub := &fakePublisher{}
	lids := NewLIDMap()
	r := New(pub, nil, lids, zap.NewNop())

	msg := inboundText("MSG-5", "83413377@lid", "via lid")
	msg.Key.SenderPN = "15551234567@s.net"
	r.HandleMessage(context.Background(), uuid.New(), "1555", msg)

	ev := pub.all()[0].payload.(gateway.MessageEvent)
	assert.Equal(t, "15551234567", ev.Sender)

	// The hint taught the map; a later hint-less message resolves.
	r.HandleMessage(context.Background(), uuid.New(), "1555",
		inboundText("MSG-6", "83413377@lid", "no hint this time"))
	ev = pub.all()[1].payload.(gateway.MessageEvent)
	assert.Equal(t, "15551234567", ev.Sender)
}

func TestHandleMessage_UnresolvableLIDFallsBack(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, nil, NewLIDMap(), zap.NewNop())

	r.HandleMessage(context.Background(), uuid.New(), "1555",
		inboundText("MSG-7", "99887766@lid", "who is this"))

	ev := pub.all()[0].payload.(gateway.MessageEvent)
	assert.Equal(t, "99887766", ev.Sender, "events are delivered even for unknown LIDs")
}

func TestHandleMessage_InteractiveReplies(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, nil, NewLIDMap(), zap.NewNop())

	button := protocol.Message{
		Key:       protocol.MessageKey{ID: "MSG-8", RemoteID: "1555@s.net"},
		Timestamp: time.Now(),
		Content: protocol.Content{
			InteractiveID:    "btn_confirm",
			InteractiveTitle: "Confirm",
		},
	}
	r.HandleMessage(context.Background(), uuid.New(), "1555", button)

	list := button
	list.Key.ID = "MSG-9"
	list.Content.InteractiveID = "row_option_2"
	list.Content.InteractiveTitle = "Option 2"
	list.Content.InteractiveParams = `{"index":2}`
	r.HandleMessage(context.Background(), uuid.New(), "1555", list)

	events := pub.all()
	require.Len(t, events, 2)

	btn := events[0].payload.(gateway.MessageEvent)
	assert.Equal(t, gateway.MessageTypeInteractiveReply, btn.Type)
	require.NotNil(t, btn.InteractiveReply)
	assert.Equal(t, "button_reply", btn.InteractiveReply.Type)
	assert.Equal(t, "Confirm", btn.InteractiveReply.Title)

	row := events[1].payload.(gateway.MessageEvent)
	require.NotNil(t, row.InteractiveReply)
	assert.Equal(t, "list_reply", row.InteractiveReply.Type)
	assert.Equal(t, `{"index":2}`, row.InteractiveReply.Params)
}

func TestHandleMessage_MediaClassification(t *testing.T) {
	cases := []struct {
		content  protocol.Content
		wantType string
		wantText string
	}{
		{protocol.Content{HasImage: true, ImageCaption: "a photo"}, gateway.MessageTypeImage, "a photo"},
		{protocol.Content{HasVideo: true, VideoCaption: "a clip"}, gateway.MessageTypeVideo, "a clip"},
		{protocol.Content{HasAudio: true}, gateway.MessageTypeAudio, ""},
		{protocol.Content{HasDocument: true}, gateway.MessageTypeDocument, ""},
		{protocol.Content{HasSticker: true}, gateway.MessageTypeSticker, ""},
		{protocol.Content{HasContact: true}, gateway.MessageTypeContact, ""},
		{protocol.Content{HasLocation: true}, gateway.MessageTypeLocation, ""},
	}

	for i, tc := range cases {
		t.Run(tc.wantType, func(t *testing.T) {
			pub := &fakePublisher{}
			r := New(pub, nil, NewLIDMap(), zap.NewNop())
			msg := protocol.Message{
				Key:       protocol.MessageKey{ID: fmt.Sprintf("MSG-%d", i), RemoteID: "1555@s.net"},
				Timestamp: time.Now(),
				Content:   tc.content,
			}
			r.HandleMessage(context.Background(), uuid.New(), "1555", msg)

			ev := pub.all()[0].payload.(gateway.MessageEvent)
			assert.Equal(t, tc.wantType, ev.Type)
			assert.Equal(t, tc.wantText, ev.Message)
		})
	}
}

func TestHandleMessage_AutoReplySkipsGroups(t *testing.T) {
	pub := &fakePublisher{}
	rep := &fakeReplier{}
	r := New(pub, rep, NewLIDMap(), zap.NewNop())

	r.HandleMessage(context.Background(), uuid.New(), "1555",
		inboundText("MSG-A", "15551234567@s.net", "direct"))

	group := protocol.Message{
		Key:       protocol.MessageKey{ID: "MSG-B", RemoteID: "123@g.net", Participant: "1444@s.net"},
		Timestamp: time.Now(),
		Content:   protocol.Content{Conversation: "group"},
	}
	r.HandleMessage(context.Background(), uuid.New(), "1555", group)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.events, 1)
	assert.Equal(t, "MSG-A", rep.events[0].MessageID)
}

func TestHandleReceipt(t *testing.T) {
	pub := &fakePublisher{}
	r := New(pub, nil, NewLIDMap(), zap.NewNop())
	accountID := uuid.New()

	r.HandleReceipt(context.Background(), accountID,
		protocol.MessageKey{ID: "MSG-C", RemoteID: "15551234567@s.net"},
		protocol.AckDelivered, 1756000123)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, gateway.EventKindMessageAck, events[0].kind)

	ack := events[0].payload.(gateway.AckEvent)
	assert.Equal(t, "message_ack", ack.Event)
	assert.Equal(t, 3, ack.Ack)
	assert.Equal(t, "delivered", ack.AckName)
	assert.Equal(t, "15551234567", ack.Recipient)
}

func TestLIDMap_EvictsPastCapacity(t *testing.T) {
	m := NewLIDMap()
	for i := 0; i < lidMapCapacity+5; i++ {
		m.Learn(fmt.Sprintf("lid-%d", i), "1555")
	}
	assert.Equal(t, lidMapCapacity, m.Len())

	_, ok := m.Resolve("lid-0")
	assert.False(t, ok, "oldest entries are evicted first")
}
