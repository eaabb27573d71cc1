package realtime

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"carrier-chat/internal/httpx"
	myMiddleware "carrier-chat/internal/middleware"
)

// ChatLister gives the chats a user belongs to when they connect.
type ChatLister interface {
	ChatIDsForUser(ctx context.Context, userID int) ([]int, error)
}

type Handler struct {
	hub      *Hub
	chats    ChatLister
	sender   Sender
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler builds the /ws handler. An empty allowedOrigins, or one
// containing "*", accepts any origin.
func NewHandler(hub *Hub, chats ChatLister, sender Sender, allowedOrigins []string, log zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		chats:  chats,
		sender: sender,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(myMiddleware.UserKey).(int)
	username, ok2 := r.Context().Value(myMiddleware.UsernameKey).(string)
	if !ok || !ok2 {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	chatIDs, err := h.chats.ChatIDsForUser(r.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Int("user_id", userID).Msg("loading chats failed")
		httpx.Error(w, http.StatusInternalServerError, "internal server error")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := newClient(h.hub, conn, userID, username, chatIDs, h.sender, h.log)
	h.hub.Register(client)

	go client.writePump()
	go client.readPump()
}
