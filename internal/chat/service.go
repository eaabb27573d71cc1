package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"carrier-chat/internal/apperr"
)

// Store is the persistence the directory needs. *Repository implements it.
type Store interface {
	CreateChat(ctx context.Context, isGroup bool, name *string, memberIDs []int) (*Chat, error)
	UserExists(ctx context.Context, userID int) (bool, error)
	IsMember(ctx context.Context, userID, chatID int) (bool, error)
	ListChatsForUser(ctx context.Context, userID int) ([]Chat, error)
	ChatIDsForUser(ctx context.Context, userID int) ([]int, error)
}

// Notifier tells connected members about a new chat.
type Notifier interface {
	PublishChatCreated(ctx context.Context, chatID int, memberIDs []int) error
}

type Service struct {
	store    Store
	notifier Notifier
	log      zerolog.Logger
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "chat").Logger()}
}

// SetNotifier is called once the live broker exists.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

func (s *Service) IsMember(ctx context.Context, userID, chatID int) (bool, error) {
	return s.store.IsMember(ctx, userID, chatID)
}

func (s *Service) ChatIDsForUser(ctx context.Context, userID int) ([]int, error) {
	return s.store.ChatIDsForUser(ctx, userID)
}

func (s *Service) ListChats(ctx context.Context, userID int) ([]Chat, error) {
	chats, err := s.store.ListChatsForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "listing chats failed", err)
	}
	return chats, nil
}

func (s *Service) CreateChat(ctx context.Context, creatorID int, req CreateChatRequest) (*Chat, error) {
	if len(req.ParticipantIDs) == 0 {
		return nil, apperr.New(apperr.BadRequest, "at least one participant is required")
	}
	name := strings.TrimSpace(req.ChatName)
	if req.IsGroup && name == "" {
		return nil, apperr.New(apperr.BadRequest, "group chats must have a name")
	}

	members := memberSet(creatorID, req.ParticipantIDs)
	if !req.IsGroup {
		for _, id := range req.ParticipantIDs {
			if id == creatorID {
				return nil, apperr.New(apperr.BadRequest, "cannot create a one-on-one chat with yourself")
			}
		}
		if len(members) != 2 {
			return nil, apperr.New(apperr.BadRequest, "one-on-one chats need exactly two distinct members")
		}
	}

	var missing []string
	for _, id := range members {
		ok, err := s.store.UserExists(ctx, id)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "user lookup failed", err)
		}
		if !ok {
			missing = append(missing, fmt.Sprint(id))
		}
	}
	if len(missing) > 0 {
		return nil, apperr.New(apperr.NotFound, "users not found: "+strings.Join(missing, ", "))
	}

	var chatName *string
	if req.IsGroup {
		chatName = &name
	}
	c, err := s.store.CreateChat(ctx, req.IsGroup, chatName, members)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "creating chat failed", err)
	}
	s.log.Info().Int("chat_id", c.ID).Ints("members", members).Bool("group", c.IsGroup).Msg("chat created")

	if s.notifier != nil {
		if err := s.notifier.PublishChatCreated(ctx, c.ID, members); err != nil {
			s.log.Warn().Err(err).Int("chat_id", c.ID).Msg("chat_created publish failed")
		}
	}
	return c, nil
}

func memberSet(creatorID int, participants []int) []int {
	seen := map[int]struct{}{creatorID: {}}
	out := []int{creatorID}
	for _, id := range participants {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
