package message

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	myMiddleware "carrier-chat/internal/middleware"
)

func asUser(id int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), myMiddleware.UserKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newRouter(f *fixture, userID int) http.Handler {
	h := NewHandler(f.svc)
	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Post("/api/chats/{chatID}/messages", h.Send)
	r.Get("/api/chats/{chatID}/messages", h.List)
	return r
}

func TestHandlerSendAndList(t *testing.T) {
	f := newFixture(t)
	r := newRouter(f, 1)

	for _, c := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodPost, "/api/chats/1/messages", strings.NewReader(`{"content":"`+c+`"}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("send status=%d body=%s", rec.Code, rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/chats/1/messages?limit=2", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
	}

	var body struct {
		Messages []Message `json:"messages"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !equalStrings(contents(body.Messages), []string{"c", "b"}) {
		t.Fatalf("messages=%v want=[c b]", contents(body.Messages))
	}
}

func TestHandlerStatusMapping(t *testing.T) {
	f := newFixture(t)
	member := newRouter(f, 1)
	outsider := newRouter(f, 3)

	cases := []struct {
		name   string
		router http.Handler
		method string
		target string
		body   string
		want   int
	}{
		{name: "non-member send", router: outsider, method: http.MethodPost, target: "/api/chats/1/messages", body: `{"content":"x"}`, want: http.StatusForbidden},
		{name: "non-member list", router: outsider, method: http.MethodGet, target: "/api/chats/1/messages", want: http.StatusForbidden},
		{name: "empty content", router: member, method: http.MethodPost, target: "/api/chats/1/messages", body: `{"content":""}`, want: http.StatusBadRequest},
		{name: "bad json", router: member, method: http.MethodPost, target: "/api/chats/1/messages", body: `{`, want: http.StatusBadRequest},
		{name: "bad chat id", router: member, method: http.MethodGet, target: "/api/chats/abc/messages", want: http.StatusBadRequest},
		{name: "zero limit", router: member, method: http.MethodGet, target: "/api/chats/1/messages?limit=0", want: http.StatusBadRequest},
		{name: "text limit", router: member, method: http.MethodGet, target: "/api/chats/1/messages?limit=ten", want: http.StatusBadRequest},
		{name: "zone-less before", router: member, method: http.MethodGet, target: "/api/chats/1/messages?before_timestamp=2025-01-01T00:00:00", want: http.StatusBadRequest},
		{name: "unescaped offset", router: member, method: http.MethodGet, target: "/api/chats/1/messages?before_timestamp=2025-01-01T00:00:00+01:00", want: http.StatusOK},
	}

	for _, tc := range cases {
		var req *http.Request
		if tc.body != "" {
			req = httptest.NewRequest(tc.method, tc.target, strings.NewReader(tc.body))
		} else {
			req = httptest.NewRequest(tc.method, tc.target, nil)
		}
		rec := httptest.NewRecorder()
		tc.router.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status=%d want=%d body=%s", tc.name, rec.Code, tc.want, rec.Body.String())
		}
	}
}
