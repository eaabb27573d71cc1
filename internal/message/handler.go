package message

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"carrier-chat/internal/httpx"
	myMiddleware "carrier-chat/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// SendRequest is the body of POST /api/chats/{chatID}/messages.
type SendRequest struct {
	Content string `json:"content"`
}

func chatIDParam(r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "chatID"))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	chatID, ok := chatIDParam(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.service.Send(r.Context(), userID, chatID, req.Content)
	if err != nil {
		httpx.AppError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserID(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	chatID, ok := chatIDParam(r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	q := r.URL.Query()
	limit := DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	// An unescaped "+01:00" offset arrives as " 01:00" after query decoding.
	before := strings.ReplaceAll(q.Get("before_timestamp"), " ", "+")

	msgs, err := h.service.GetMessages(r.Context(), userID, chatID, before, limit)
	if err != nil {
		httpx.AppError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
