package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimestamp is returned for timestamps that are not RFC 3339 with an explicit zone.
var ErrInvalidTimestamp = errors.New("timestamp must be ISO 8601 with an explicit offset, e.g. 2025-01-02T15:04:05Z")

// Message is a chat message as served by the API. ID is zero while the
// message only exists in the hot cache.
type Message struct {
	ID        int64     `json:"message_id,omitempty"`
	ChatID    int       `json:"chat_id"`
	SenderID  int       `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheRecord is the serialized form kept in a chat's cache list. The chat id
// is implied by the list key.
type CacheRecord struct {
	SenderID  int    `json:"sender_id"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Record is a message ready to be inserted into the durable store.
type Record struct {
	ChatID    int
	SenderID  int
	Content   string
	CreatedAt time.Time
}

// FormatTimestamp renders t the way the cache tier stores it: UTC, whole seconds, "Z".
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseTimestamp accepts RFC 3339 timestamps, which always carry a zone.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	return t.UTC(), nil
}

// EncodeCacheRecord serializes m for the cache list.
func EncodeCacheRecord(m Message) ([]byte, error) {
	return json.Marshal(CacheRecord{
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: FormatTimestamp(m.CreatedAt),
	})
}

// DecodeCacheRecord parses one cache entry of chatID. Every field is required.
func DecodeCacheRecord(chatID int, raw string) (Message, error) {
	var w struct {
		SenderID  *int    `json:"sender_id"`
		Content   *string `json:"content"`
		CreatedAt *string `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return Message{}, err
	}
	switch {
	case w.SenderID == nil:
		return Message{}, errors.New("missing sender_id")
	case *w.SenderID <= 0:
		return Message{}, fmt.Errorf("invalid sender_id %d", *w.SenderID)
	case w.Content == nil:
		return Message{}, errors.New("missing content")
	case w.CreatedAt == nil:
		return Message{}, errors.New("missing created_at")
	}
	ts, err := ParseTimestamp(*w.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ChatID:    chatID,
		SenderID:  *w.SenderID,
		Content:   *w.Content,
		CreatedAt: ts,
	}, nil
}

// ToRecord converts a cache-tier message into a durable-store record.
func (m Message) ToRecord() Record {
	return Record{
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}
