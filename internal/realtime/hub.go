package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

type outbound struct {
	client  *Client
	payload []byte
}

// Hub maintains the set of connected clients and routes events to them.
// Run is the only goroutine that touches clients or a client's chat set.
type Hub struct {
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	events     chan Event
	direct     chan outbound
	done       chan struct{}

	log zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan Event, 256),
		direct:     make(chan outbound, 64),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.log.Debug().Int("user_id", c.userID).Int("chats", len(c.chats)).Msg("client registered")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case o := <-h.direct:
			if _, ok := h.clients[o.client]; ok {
				h.push(o.client, o.payload)
			}

		case e := <-h.events:
			h.dispatch(e)
		}
	}
}

// Register adds c. It is a no-op once the hub has stopped.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Deliver queues an event for fan-out.
func (h *Hub) Deliver(e Event) {
	select {
	case h.events <- e:
	case <-h.done:
	}
}

// reply sends a frame to one client only.
func (h *Hub) reply(c *Client, payload []byte) {
	select {
	case h.direct <- outbound{client: c, payload: payload}:
	case <-h.done:
	}
}

func (h *Hub) dispatch(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.log.Error().Err(err).Str("type", e.Type).Msg("encoding event failed")
		return
	}

	switch e.Type {
	case EventMessage:
		for c := range h.clients {
			if _, ok := c.chats[e.ChatID]; ok {
				h.push(c, payload)
			}
		}
	case EventChatCreated:
		members := make(map[int]struct{}, len(e.MemberIDs))
		for _, id := range e.MemberIDs {
			members[id] = struct{}{}
		}
		for c := range h.clients {
			if _, ok := members[c.userID]; ok {
				c.chats[e.ChatID] = struct{}{}
				h.push(c, payload)
			}
		}
	default:
		h.log.Warn().Str("type", e.Type).Msg("unknown event type")
	}
}

// push never blocks the hub; a client that cannot keep up is dropped.
func (h *Hub) push(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.log.Warn().Int("user_id", c.userID).Msg("client too slow, disconnecting")
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}
