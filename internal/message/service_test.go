package message

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"carrier-chat/internal/apperr"
	"carrier-chat/internal/cache"
	"carrier-chat/internal/metrics"
)

type fakeDirectory map[int][]int // chat -> members

func (d fakeDirectory) IsMember(_ context.Context, userID, chatID int) (bool, error) {
	for _, m := range d[chatID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   []Message
	err    error
}

func (s *memStore) InsertBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, r := range records {
		s.nextID++
		s.rows = append(s.rows, Message{ID: s.nextID, ChatID: r.ChatID, SenderID: r.SenderID, Content: r.Content, CreatedAt: r.CreatedAt})
	}
	return nil
}

func (s *memStore) ListBefore(_ context.Context, chatID int, before time.Time, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.rows {
		if m.ChatID == chatID && m.CreatedAt.Before(before) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recordingPublisher struct {
	got []Message
	err error
}

func (p *recordingPublisher) PublishMessage(_ context.Context, m Message) error {
	p.got = append(p.got, m)
	return p.err
}

type fixture struct {
	svc   *Service
	cache *cache.HotCache
	store *memStore
	pub   *recordingPublisher
	mr    *miniredis.Miniredis
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		cache: cache.New(client),
		store: &memStore{},
		pub:   &recordingPublisher{},
		mr:    mr,
		clock: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	dir := fakeDirectory{1: {1, 2}, 2: {2, 3}}
	f.svc = NewService(dir, f.cache, f.store, f.pub, zerolog.Nop(), 100)
	f.svc.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSendThenRecentIsNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c"} {
		if _, err := f.svc.Send(ctx, 1, 1, c); err != nil {
			t.Fatalf("Send(%q): %v", c, err)
		}
	}

	got, err := f.svc.GetMessages(ctx, 1, 1, "", 2)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if !equalStrings(contents(got), []string{"c", "b"}) {
		t.Fatalf("recent=%v want=[c b]", contents(got))
	}
	if len(f.pub.got) != 3 {
		t.Fatalf("published %d events, want 3", len(f.pub.got))
	}
}

func TestRecentOrderingIsNonIncreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := f.svc.Send(ctx, 2, 1, "m"); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	got, err := f.svc.GetMessages(ctx, 2, 1, "", 20)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatalf("created_at increased at %d: %v > %v", i, got[i].CreatedAt, got[i-1].CreatedAt)
		}
	}
}

func TestLimitReturnsMostRecent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	want := []string{"9", "8", "7"}
	for _, c := range []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"} {
		if _, err := f.svc.Send(ctx, 1, 1, c); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	got, err := f.svc.GetMessages(ctx, 1, 1, "", 3)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if !equalStrings(contents(got), want) {
		t.Fatalf("limit=3 got=%v want=%v", contents(got), want)
	}
}

func TestNonMemberIsForbiddenWithoutMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Send(ctx, 3, 1, "intruder"); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("Send by non-member err=%v want Forbidden", err)
	}
	if f.mr.Exists(cache.ListKey(1)) {
		t.Fatalf("non-member send created the cache list")
	}
	if len(f.pub.got) != 0 {
		t.Fatalf("non-member send was published")
	}

	if _, err := f.svc.Send(ctx, 3, 1, "   "); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("empty Send by non-member err=%v want Forbidden", err)
	}

	if _, err := f.svc.GetMessages(ctx, 3, 1, "", 10); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("GetMessages recent by non-member err=%v want Forbidden", err)
	}
	if _, err := f.svc.GetMessages(ctx, 3, 1, "2025-01-01T00:00:00Z", 10); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("GetMessages historical by non-member err=%v want Forbidden", err)
	}
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Send(ctx, 1, 1, "   "); !errors.Is(err, apperr.BadRequest) {
		t.Fatalf("empty content err=%v want BadRequest", err)
	}

	cases := []struct {
		before string
		limit  int
	}{
		{before: "", limit: 0},
		{before: "", limit: -1},
		{before: "2025-01-01T00:00:00", limit: 5},
		{before: "yesterday", limit: 5},
		{before: "2025-13-01T00:00:00Z", limit: 5},
	}
	for _, tc := range cases {
		if _, err := f.svc.GetMessages(ctx, 1, 1, tc.before, tc.limit); !errors.Is(err, apperr.BadRequest) {
			t.Fatalf("GetMessages(before=%q, limit=%d) err=%v want BadRequest", tc.before, tc.limit, err)
		}
	}
}

func TestCacheDownIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mr.Close()

	if _, err := f.svc.Send(ctx, 1, 1, "hello"); !errors.Is(err, apperr.Unavailable) {
		t.Fatalf("Send with cache down err=%v want Unavailable", err)
	}
	if _, err := f.svc.GetMessages(ctx, 1, 1, "", 5); !errors.Is(err, apperr.Unavailable) {
		t.Fatalf("GetMessages with cache down err=%v want Unavailable", err)
	}
}

func TestPublishFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("pubsub down")

	before := testutil.ToFloat64(metrics.PublishFailures)
	if _, err := f.svc.Send(context.Background(), 1, 1, "still delivered"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := testutil.ToFloat64(metrics.PublishFailures) - before; got != 0 {
		t.Fatalf("service counted publish failure %v times; the publisher owns that count", got)
	}
}

func TestHistoricalReadComesFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	_ = f.store.InsertBatch(ctx, []Record{
		{ChatID: 1, SenderID: 1, Content: "a", CreatedAt: base},
		{ChatID: 1, SenderID: 1, Content: "b", CreatedAt: base.Add(time.Second)},
		{ChatID: 1, SenderID: 2, Content: "c", CreatedAt: base.Add(2 * time.Second)},
		{ChatID: 2, SenderID: 2, Content: "other chat", CreatedAt: base},
	})

	got, err := f.svc.GetMessages(ctx, 1, 1, "2025-01-01T12:00:00+02:00", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	// 12:00+02:00 is 10:00Z, so nothing is strictly before it
	if len(got) != 0 {
		t.Fatalf("got %v, want none", contents(got))
	}

	got, err = f.svc.GetMessages(ctx, 1, 1, "2025-01-01T11:00:00Z", 2)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if !equalStrings(contents(got), []string{"c", "b"}) {
		t.Fatalf("historical=%v want=[c b]", contents(got))
	}
	if got[0].ID == 0 {
		t.Fatalf("durable messages must carry an id")
	}
}

func TestLimitIsCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.maxLimit = 5

	for i := 0; i < 8; i++ {
		_, _ = f.svc.Send(ctx, 1, 1, "x")
	}
	got, err := f.svc.GetMessages(ctx, 1, 1, "", 1000)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("len=%d want=5", len(got))
	}
}

func TestRecentSkipsUndecodableEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.svc.Send(ctx, 1, 1, "ok")
	f.mr.Lpush(cache.ListKey(1), "{not json")

	got, err := f.svc.GetMessages(ctx, 1, 1, "", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if !equalStrings(contents(got), []string{"ok"}) {
		t.Fatalf("got=%v want=[ok]", contents(got))
	}
}
