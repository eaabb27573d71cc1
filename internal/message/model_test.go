package message

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeCacheRecord(t *testing.T) {
	t.Parallel()

	local := time.FixedZone("X", 3*3600)
	m := Message{ChatID: 4, SenderID: 9, Content: "hi", CreatedAt: time.Date(2025, 5, 6, 10, 11, 12, 999, local)}
	raw, err := EncodeCacheRecord(m)
	if err != nil {
		t.Fatalf("EncodeCacheRecord: %v", err)
	}
	want := `{"sender_id":9,"content":"hi","created_at":"2025-05-06T07:11:12Z"}`
	if string(raw) != want {
		t.Fatalf("encoded=%s want=%s", raw, want)
	}

	got, err := DecodeCacheRecord(4, string(raw))
	if err != nil {
		t.Fatalf("DecodeCacheRecord: %v", err)
	}
	if got.ChatID != 4 || got.SenderID != 9 || got.Content != "hi" || !got.CreatedAt.Equal(m.CreatedAt.Truncate(time.Second)) {
		t.Fatalf("decoded=%+v", got)
	}
}

func TestDecodeCacheRecordRejectsCorruptEntries(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{not json`,
		`{"content":"x","created_at":"2025-01-01T00:00:00Z"}`,
		`{"sender_id":0,"content":"x","created_at":"2025-01-01T00:00:00Z"}`,
		`{"sender_id":1,"created_at":"2025-01-01T00:00:00Z"}`,
		`{"sender_id":1,"content":"x"}`,
		`{"sender_id":1,"content":"x","created_at":"2025-01-01T00:00:00"}`,
		`{"sender_id":"1","content":"x","created_at":"2025-01-01T00:00:00Z"}`,
	}
	for _, raw := range cases {
		if _, err := DecodeCacheRecord(1, raw); err == nil {
			t.Fatalf("DecodeCacheRecord(%s) succeeded, want error", raw)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	ok := []string{"2025-01-02T15:04:05Z", "2025-01-02T15:04:05+05:30", "2025-01-02T15:04:05.123Z"}
	for _, s := range ok {
		if _, err := ParseTimestamp(s); err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", s, err)
		}
	}
	bad := []string{"", "2025-01-02T15:04:05", "2025-01-02", "15:04:05Z"}
	for _, s := range bad {
		if _, err := ParseTimestamp(s); !errors.Is(err, ErrInvalidTimestamp) {
			t.Fatalf("ParseTimestamp(%q) err=%v want ErrInvalidTimestamp", s, err)
		}
	}
}
