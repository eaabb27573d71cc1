package chat

import (
	"encoding/json"
	"net/http"

	"carrier-chat/internal/httpx"
	myMiddleware "carrier-chat/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	c, err := h.service.CreateChat(r.Context(), userID, req)
	if err != nil {
		httpx.AppError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"chat": c})
}

func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	chats, err := h.service.ListChats(r.Context(), userID)
	if err != nil {
		httpx.AppError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"chats": chats})
}
