// Package cache is the hot tier: per-chat message lists, session records and
// the flush lease, all held in Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

const (
	listKeyPrefix       = "recent_messages:"
	deadLetterKeyPrefix = "dead_messages:"
	sessionKeyPrefix    = "session:"
	leaseKeyPrefix      = "lease:"
)

// ErrMalformedKey is returned by ParseListKey for keys outside the list naming convention.
var ErrMalformedKey = errors.New("cache: malformed list key")

// releaseScript deletes the lease only if it is still held by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// HotCache wraps a Redis client with the list, session and lease primitives the
// services need. Every method is a single atomic Redis command (or a MULTI pipeline).
type HotCache struct {
	client *redis.Client
}

// New wraps an existing client. The caller owns the client.
func New(client *redis.Client) *HotCache {
	return &HotCache{client: client}
}

// Client exposes the underlying client for pub/sub.
func (c *HotCache) Client() *redis.Client {
	return c.client
}

// Ping checks the Redis connection.
func (c *HotCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ListKey returns the key of a chat's recent message list.
func ListKey(chatID int) string {
	return listKeyPrefix + strconv.Itoa(chatID)
}

// ListKeyPattern matches every chat list key.
func ListKeyPattern() string {
	return listKeyPrefix + "*"
}

// ParseListKey extracts the chat id from a list key.
func ParseListKey(key string) (int, error) {
	raw, ok := strings.CutPrefix(key, listKeyPrefix)
	if !ok || raw == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	return id, nil
}

func deadLetterKey(chatID int) string {
	return deadLetterKeyPrefix + strconv.Itoa(chatID)
}

// Prepend pushes a serialized record onto the head of the chat's list and
// returns the new list length.
func (c *HotCache) Prepend(ctx context.Context, chatID int, record []byte) (int64, error) {
	return c.client.LPush(ctx, ListKey(chatID), record).Result()
}

// RangeNewest returns up to limit records from the head of the list, newest first.
// A missing list yields an empty slice.
func (c *HotCache) RangeNewest(ctx context.Context, chatID, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return c.client.LRange(ctx, ListKey(chatID), 0, int64(limit)-1).Result()
}

// RangeOldest returns up to n records from the tail of the list. The result
// keeps list order, so the oldest record is last.
func (c *HotCache) RangeOldest(ctx context.Context, key string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return c.client.LRange(ctx, key, -int64(n), -1).Result()
}

// TrimOldest removes exactly n records from the tail of the list. Records
// pushed onto the head meanwhile are unaffected.
func (c *HotCache) TrimOldest(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	return c.client.LTrim(ctx, key, 0, -int64(n)-1).Err()
}

// ScanListKeys walks the keyspace with SCAN and returns the distinct chat list keys.
// SCAN may yield a key more than once, hence the set.
func (c *HotCache) ScanListKeys(ctx context.Context, count int64) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, ListKeyPattern(), count).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys[k] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// DeadLetter keeps raw records that could not be parsed, newest at the head.
func (c *HotCache) DeadLetter(ctx context.Context, chatID int, raw []string) error {
	if len(raw) == 0 {
		return nil
	}
	vals := make([]any, len(raw))
	for i, r := range raw {
		vals[i] = r
	}
	return c.client.LPush(ctx, deadLetterKey(chatID), vals...).Err()
}

// DeadLetters returns the dead-lettered records of a chat, newest first.
func (c *HotCache) DeadLetters(ctx context.Context, chatID int) ([]string, error) {
	return c.client.LRange(ctx, deadLetterKey(chatID), 0, -1).Result()
}

// extendScript resets the lease TTL only if it is still held by the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLease takes the named lease for ttl. ok is false when another holder
// has it; token identifies this holder for ReleaseLease.
func (c *HotCache) AcquireLease(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = ulid.Make().String()
	ok, err = c.client.SetNX(ctx, leaseKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ExtendLease pushes the lease expiry out to ttl from now. It reports false
// when token no longer holds the lease.
func (c *HotCache) ExtendLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, c.client, []string{leaseKeyPrefix + name}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease frees the lease if token still holds it. It reports whether
// the lease was released.
func (c *HotCache) ReleaseLease(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, c.client, []string{leaseKeyPrefix + name}, token).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Session is the ephemeral record behind an issued token.
type Session struct {
	UserID   int
	Username string
}

// SetSession stores a session under id with a TTL.
func (c *HotCache) SetSession(ctx context.Context, id string, s Session, ttl time.Duration) error {
	key := sessionKeyPrefix + id
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, "user_id", s.UserID, "username", s.Username)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetSession loads a session. ok is false if it expired or never existed.
func (c *HotCache) GetSession(ctx context.Context, id string) (s Session, ok bool, err error) {
	fields, err := c.client.HGetAll(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return Session{}, false, err
	}
	if len(fields) == 0 {
		return Session{}, false, nil
	}
	uid, err := strconv.Atoi(fields["user_id"])
	if err != nil {
		return Session{}, false, fmt.Errorf("cache: bad session user_id: %w", err)
	}
	return Session{UserID: uid, Username: fields["username"]}, true, nil
}

// DeleteSession removes a session; deleting a missing session is not an error.
func (c *HotCache) DeleteSession(ctx context.Context, id string) error {
	return c.client.Del(ctx, sessionKeyPrefix+id).Err()
}
