package websocket

import (
	"context"
	"sync"
)

// Hub fans account lifecycle events out to dashboard connections. Register
// and unregister are serialized through the Run goroutine via channels;
// Publish reads the topic map under a short read-lock and sends outside it
// so one slow client cannot stall the event loop.
type Hub struct {
	// mu protects clients and topics for Publish and ConnectedCount, which
	// run outside the Run goroutine.
	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[Topic]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[Topic]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run is the hub's event loop. Call exactly once, in its own goroutine. It
// exits when ctx is cancelled, closing every remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	for _, topic := range c.topics {
		set := h.topics[topic]
		if set == nil {
			set = make(map[*Client]struct{})
			h.topics[topic] = set
		}
		set[c] = struct{}{}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for _, topic := range c.topics {
		delete(h.topics[topic], c)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]struct{})
	h.topics = make(map[Topic]map[*Client]struct{})
}

// Publish sends msg to every subscriber of topic. Safe to call from any
// goroutine. A client whose send buffer is full is disconnected rather than
// allowed to backpressure the other subscribers.
func (h *Hub) Publish(topic Topic, msg Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(c *Client) { h.register <- c }

// Unsubscribe removes client from the hub and all its topic subscriptions.
func (h *Hub) Unsubscribe(c *Client) { h.unregister <- c }

// ConnectedCount reports the number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
