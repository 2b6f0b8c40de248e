package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwire-io/chatwire/internal/websocket"
)

type wsHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

func newWSHandler(hub *websocket.Hub, logger *zap.Logger) *wsHandler {
	return &wsHandler{hub: hub, logger: logger}
}

// serve upgrades the connection and subscribes it. ?account_id=<uuid> scopes
// the stream to one account; without it the client gets the firehose.
func (h *wsHandler) serve(w http.ResponseWriter, r *http.Request) {
	topics := []websocket.Topic{websocket.AllAccountsTopic}
	if raw := r.URL.Query().Get("account_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid account_id")
			return
		}
		topics = []websocket.Topic{websocket.AccountTopic(id)}
	}

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
