package message

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"carrier-chat/internal/apperr"
	"carrier-chat/internal/metrics"
)

// DefaultLimit is the page size used when a caller does not ask for one.
const DefaultLimit = 50

// Directory answers membership questions.
type Directory interface {
	IsMember(ctx context.Context, userID, chatID int) (bool, error)
}

// HotCache is the part of the cache tier that ingest and the reader use.
type HotCache interface {
	Prepend(ctx context.Context, chatID int, record []byte) (int64, error)
	RangeNewest(ctx context.Context, chatID, limit int) ([]string, error)
}

// Store is the durable tier.
type Store interface {
	InsertBatch(ctx context.Context, records []Record) error
	ListBefore(ctx context.Context, chatID int, before time.Time, limit int) ([]Message, error)
}

// Publisher fans a freshly ingested message out to live connections.
type Publisher interface {
	PublishMessage(ctx context.Context, msg Message) error
}

type Service struct {
	dir      Directory
	cache    HotCache
	store    Store
	pub      Publisher
	log      zerolog.Logger
	maxLimit int
	now      func() time.Time
}

// NewService wires ingest and reader. pub may be nil.
func NewService(dir Directory, cache HotCache, store Store, pub Publisher, log zerolog.Logger, maxLimit int) *Service {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &Service{
		dir:      dir,
		cache:    cache,
		store:    store,
		pub:      pub,
		log:      log.With().Str("component", "message").Logger(),
		maxLimit: maxLimit,
		now:      time.Now,
	}
}

func (s *Service) authorize(ctx context.Context, userID, chatID int) error {
	ok, err := s.dir.IsMember(ctx, userID, chatID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "membership lookup failed", err)
	}
	if !ok {
		s.log.Info().Int("user_id", userID).Int("chat_id", chatID).Msg("non-member rejected")
		return apperr.New(apperr.Forbidden, "you are not a member of this chat")
	}
	return nil
}

// Send appends a message to the head of the chat's cache list. It does not
// touch the durable store and performs no retries.
func (s *Service) Send(ctx context.Context, senderID, chatID int, content string) (Message, error) {
	if err := s.authorize(ctx, senderID, chatID); err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, apperr.New(apperr.BadRequest, "content must not be empty")
	}

	msg := Message{
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.now().UTC().Truncate(time.Second),
	}
	record, err := EncodeCacheRecord(msg)
	if err != nil {
		return Message{}, apperr.Wrap(apperr.Internal, "encode message", err)
	}

	n, err := s.cache.Prepend(ctx, chatID, record)
	if err != nil {
		s.log.Error().Err(err).Int("chat_id", chatID).Msg("cache prepend failed")
		return Message{}, apperr.Wrap(apperr.Unavailable, "message service temporarily unavailable", err)
	}
	metrics.MessagesSent.Inc()
	s.log.Debug().Int("chat_id", chatID).Int("sender_id", senderID).Int64("list_len", n).Msg("message cached")

	if s.pub != nil {
		if err := s.pub.PublishMessage(ctx, msg); err != nil {
			s.log.Warn().Err(err).Int("chat_id", chatID).Msg("live publish failed")
		}
	}
	return msg, nil
}

// GetMessages returns up to limit messages, newest first. Without before the
// page comes from the cache list; with before it comes from the durable store.
func (s *Service) GetMessages(ctx context.Context, requesterID, chatID int, before string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, apperr.New(apperr.BadRequest, "limit must be a positive integer")
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}
	if err := s.authorize(ctx, requesterID, chatID); err != nil {
		return nil, err
	}

	if before == "" {
		return s.recent(ctx, chatID, limit)
	}

	ts, err := ParseTimestamp(before)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, "invalid before_timestamp: use ISO 8601 with an offset, e.g. 2025-01-02T15:04:05Z", err)
	}
	msgs, err := s.store.ListBefore(ctx, chatID, ts, limit)
	if err != nil {
		s.log.Error().Err(err).Int("chat_id", chatID).Msg("durable read failed")
		return nil, apperr.Wrap(apperr.Internal, "could not load older messages", err)
	}
	metrics.MessagesRead.WithLabelValues("store").Add(float64(len(msgs)))
	return msgs, nil
}

func (s *Service) recent(ctx context.Context, chatID, limit int) ([]Message, error) {
	raw, err := s.cache.RangeNewest(ctx, chatID, limit)
	if err != nil {
		s.log.Error().Err(err).Int("chat_id", chatID).Msg("cache range failed")
		return nil, apperr.Wrap(apperr.Unavailable, "message service temporarily unavailable", err)
	}

	msgs := make([]Message, 0, len(raw))
	for _, entry := range raw {
		m, err := DecodeCacheRecord(chatID, entry)
		if err != nil {
			s.log.Warn().Err(err).Int("chat_id", chatID).Msg("skipping undecodable cache entry")
			continue
		}
		msgs = append(msgs, m)
	}
	metrics.MessagesRead.WithLabelValues("cache").Add(float64(len(msgs)))
	return msgs, nil
}
