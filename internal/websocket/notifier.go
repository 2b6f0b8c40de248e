package websocket

import "github.com/google/uuid"

// Notifier adapts the hub to the runtime's lifecycle callbacks. Each event is
// published on the account's own topic and on the firehose.
type Notifier struct {
	hub *Hub
}

func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

func (n *Notifier) publish(accountID uuid.UUID, kind MessageType, payload any) {
	topic := AccountTopic(accountID)
	n.hub.Publish(topic, Message{Type: kind, Topic: topic, Payload: payload})
	n.hub.Publish(AllAccountsTopic, Message{Type: kind, Topic: AllAccountsTopic, Payload: payload})
}

func (n *Notifier) AccountQR(accountID uuid.UUID, dataURL string) {
	n.publish(accountID, MsgAccountQR, map[string]string{
		"account_id": accountID.String(),
		"qr":         dataURL,
	})
}

func (n *Notifier) AccountReady(accountID uuid.UUID, phoneNumber string) {
	n.publish(accountID, MsgAccountReady, map[string]string{
		"account_id":   accountID.String(),
		"phone_number": phoneNumber,
	})
}

func (n *Notifier) AccountDisconnected(accountID uuid.UUID, reason, message string) {
	n.publish(accountID, MsgAccountDisconnected, map[string]string{
		"account_id": accountID.String(),
		"reason":     reason,
		"message":    message,
	})
}
