package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carrier-chat/internal/apperr"
	"carrier-chat/internal/message"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Maximum inbound frame size.
	sendTimeout    = 5 * time.Second
)

// Sender is the ingest path. *message.Service implements it.
type Sender interface {
	Send(ctx context.Context, senderID, chatID int, content string) (message.Message, error)
}

// inbound is what the browser sends over the socket.
type inbound struct {
	ChatID  int    `json:"chat_id"`
	Content string `json:"content"`
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   int
	username string
	chats    map[int]struct{} // owned by the hub goroutine after Register
	sender   Sender
	log      zerolog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, userID int, username string, chatIDs []int, sender Sender, log zerolog.Logger) *Client {
	chats := make(map[int]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		chats[id] = struct{}{}
	}
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		username: username,
		chats:    chats,
		sender:   sender,
		log:      log,
	}
}

// readPump turns inbound frames into sends. Live delivery of the stored
// message, including back to this client, comes through the broker.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Int("user_id", c.userID).Msg("websocket closed unexpectedly")
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.ChatID <= 0 {
			c.replyError("frames must be JSON objects with chat_id and content")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		_, err = c.sender.Send(ctx, c.userID, in.ChatID, in.Content)
		cancel()
		if err != nil {
			if apperr.KindOf(err) == apperr.Internal {
				c.log.Error().Err(err).Int("user_id", c.userID).Msg("websocket send failed")
			}
			c.replyError(apperr.Message(err))
		}
	}
}

func (c *Client) replyError(msg string) {
	payload, _ := json.Marshal(Event{Type: EventError, Error: msg})
	c.hub.reply(c, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
