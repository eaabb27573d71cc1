// Package realtime pushes chat activity to connected WebSocket clients.
// Every instance publishes to one Redis channel and every instance's hub
// consumes it, so a message sent through any instance reaches members
// connected to any other.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"carrier-chat/internal/message"
	"carrier-chat/internal/metrics"
)

// Channel is the Redis pub/sub channel shared by all instances.
const Channel = "chat-events"

const (
	EventMessage     = "message"
	EventChatCreated = "chat_created"
	EventError       = "error"
)

// Event is the JSON frame carried over pub/sub and written to clients.
type Event struct {
	Type      string           `json:"type"`
	ChatID    int              `json:"chat_id,omitempty"`
	MemberIDs []int            `json:"member_ids,omitempty"`
	Message   *message.Message `json:"message,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type Broker struct {
	redis   *redis.Client
	channel string
	log     zerolog.Logger
}

func NewBroker(client *redis.Client, log zerolog.Logger) *Broker {
	return &Broker{redis: client, channel: Channel, log: log.With().Str("component", "broker").Logger()}
}

func (b *Broker) publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.redis.Publish(ctx, b.channel, payload).Err(); err != nil {
		metrics.PublishFailures.Inc()
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (b *Broker) PublishMessage(ctx context.Context, m message.Message) error {
	return b.publish(ctx, Event{Type: EventMessage, ChatID: m.ChatID, Message: &m})
}

func (b *Broker) PublishChatCreated(ctx context.Context, chatID int, memberIDs []int) error {
	return b.publish(ctx, Event{Type: EventChatCreated, ChatID: chatID, MemberIDs: memberIDs})
}

// Subscribe forwards events from the channel into hub until ctx ends.
func (b *Broker) Subscribe(ctx context.Context, hub *Hub) error {
	pubsub := b.redis.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.log.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			hub.Deliver(e)
		}
	}
}
