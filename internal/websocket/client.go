package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single wire write so a stalled peer cannot wedge the
	// writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong after a ping; the
	// connection is closed when none arrives.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames. Clients only send pong/close.
	maxMessageSize = 512

	// sendBufferSize is the per-client outbound buffer. Sized for a QR
	// rotation burst; a client that falls further behind is disconnected by
	// Publish.
	sendBufferSize = 32
)

// Origin validation is the reverse proxy's job in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one connected dashboard peer, pinned to its topics for the life
// of the connection. Two goroutines per client: readPump detects
// disconnection and handles pongs, writePump is the sole writer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	topics []Topic // read-only after NewClient
	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and wraps it in a Client subscribed
// to the given topics.
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, topics []Topic, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, sendBufferSize),
		topics: topics,
		logger: logger.Named("ws").With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the client and pumps until the connection closes.
func (c *Client) Run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump consumes inbound frames to detect disconnection and refresh the
// read deadline on pongs. Application data from the client is not expected.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards queued events to the wire and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel; say goodbye and exit.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
