package httpx

import (
	"encoding/json"
	"net/http"

	"carrier-chat/internal/apperr"
)

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// AppError maps err through apperr and writes it.
func AppError(w http.ResponseWriter, err error) {
	Error(w, apperr.Status(err), apperr.Message(err))
}
