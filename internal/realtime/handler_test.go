package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"carrier-chat/internal/apperr"
	"carrier-chat/internal/message"
	myMiddleware "carrier-chat/internal/middleware"
)

type staticChats map[int][]int // user -> chats

func (s staticChats) ChatIDsForUser(_ context.Context, userID int) ([]int, error) {
	return s[userID], nil
}

// publishingSender accepts chat 1 only and publishes what it accepts.
type publishingSender struct {
	broker *Broker
}

func (s publishingSender) Send(ctx context.Context, senderID, chatID int, content string) (message.Message, error) {
	if chatID != 1 {
		return message.Message{}, apperr.New(apperr.Forbidden, "you are not a member of this chat")
	}
	m := message.Message{ChatID: chatID, SenderID: senderID, Content: content, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	return m, s.broker.PublishMessage(ctx, m)
}

func withUser(id int, name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), myMiddleware.UserKey, id)
		ctx = context.WithValue(ctx, myMiddleware.UsernameKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func TestWebSocketRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(zerolog.Nop())
	go hub.Run(ctx)
	broker := NewBroker(client, zerolog.Nop())
	go broker.Subscribe(ctx, hub)

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(Channel)[Channel] == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("broker never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h := NewHandler(hub, staticChats{1: {1}}, publishingSender{broker: broker}, nil, zerolog.Nop())
	srv := httptest.NewServer(withUser(1, "alice", http.HandlerFunc(h.ServeWs)))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var e Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read: %v", err)
		}
		return e
	}

	if err := conn.WriteJSON(map[string]any{"chat_id": 1, "content": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := read(); e.Type != EventMessage || e.Message == nil || e.Message.Content != "hello" || e.Message.SenderID != 1 {
		t.Fatalf("got %+v", e)
	}

	if err := conn.WriteJSON(map[string]any{"chat_id": 9, "content": "sneaky"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := read(); e.Type != EventError || !strings.Contains(e.Error, "not a member") {
		t.Fatalf("got %+v", e)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("plain text")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := read(); e.Type != EventError {
		t.Fatalf("got %+v", e)
	}

	if err := broker.PublishChatCreated(ctx, 5, []int{1, 2}); err != nil {
		t.Fatalf("PublishChatCreated: %v", err)
	}
	if e := read(); e.Type != EventChatCreated || e.ChatID != 5 {
		t.Fatalf("got %+v", e)
	}
	if err := broker.PublishMessage(ctx, message.Message{ChatID: 5, SenderID: 2, Content: "in new chat"}); err != nil {
		t.Fatalf("PublishMessage: %v", err)
	}
	if e := read(); e.Message == nil || e.Message.Content != "in new chat" {
		t.Fatalf("got %+v", e)
	}
}

func TestServeWsRequiresUser(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), staticChats{}, nil, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	h.ServeWs(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()

	cases := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{allowed: nil, origin: "http://evil.example", want: true},
		{allowed: []string{"*"}, origin: "http://evil.example", want: true},
		{allowed: []string{"http://app.example"}, origin: "http://app.example", want: true},
		{allowed: []string{"http://app.example"}, origin: "http://evil.example", want: false},
		{allowed: []string{"http://app.example"}, origin: "", want: true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := originChecker(tc.allowed)(r); got != tc.want {
			t.Fatalf("allowed=%v origin=%q got=%v want=%v", tc.allowed, tc.origin, got, tc.want)
		}
	}
}
