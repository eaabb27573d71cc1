// Package flush drains the oldest entries of every chat's cache list into the
// durable store.
//
// One run walks Idle → Scanning → {per key: Reading → Parsing → Persisting →
// Trimming} → Idle. Failures are isolated per key; only a failed scan aborts
// the whole run, and nothing has been mutated at that point.
//
// Delivery to the durable store is at-least-once: if the trim after a
// successful persist fails, the next run persists the same entries again.
package flush

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"carrier-chat/internal/cache"
	"carrier-chat/internal/message"
	"carrier-chat/internal/metrics"
)

const (
	leaseName   = "flush"
	trimTimeout = 5 * time.Second
)

var (
	// ErrRunInProgress is returned when Run is called while this Job is already running.
	ErrRunInProgress = errors.New("flush: run already in progress")
	// ErrLockHeld is returned when another instance holds the flush lease.
	ErrLockHeld = errors.New("flush: lease held by another instance")
	// ErrLeaseLost is returned when the lease expired or was taken over mid-run.
	ErrLeaseLost = errors.New("flush: lease lost during run")
	// ErrCorruptRecord marks a cache entry that could not be parsed. It is
	// logged and counted, never returned to callers.
	ErrCorruptRecord = errors.New("flush: corrupt cache record")
)

// Cache is the hot-tier surface the job needs.
type Cache interface {
	ScanListKeys(ctx context.Context, count int64) (map[string]struct{}, error)
	RangeOldest(ctx context.Context, key string, n int) ([]string, error)
	TrimOldest(ctx context.Context, key string, n int) error
	DeadLetter(ctx context.Context, chatID int, raw []string) error
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ExtendLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, token string) (bool, error)
}

// Store is the durable-tier surface the job needs.
type Store interface {
	InsertBatch(ctx context.Context, records []message.Record) error
}

type Config struct {
	BatchSize  int
	ScanCount  int64
	LockTTL    time.Duration
	DeadLetter bool
}

// Report summarizes one run.
type Report struct {
	KeysScanned int
	KeysFlushed int
	KeysFailed  int
	KeysSkipped int
	Persisted   int
	Corrupt     int
	Trimmed     int
	Duration    time.Duration
}

type Job struct {
	cache   Cache
	store   Store
	cfg     Config
	log     zerolog.Logger
	running atomic.Bool
}

func NewJob(c Cache, s Store, cfg Config, log zerolog.Logger) *Job {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ScanCount <= 0 {
		cfg.ScanCount = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Job{
		cache: c,
		store: s,
		cfg:   cfg,
		log:   log.With().Str("component", "flush").Logger(),
	}
}

// Run performs one flush pass. At most one pass runs at a time: overlapping
// calls on this Job get ErrRunInProgress, and a pass elsewhere holding the
// Redis lease yields ErrLockHeld.
func (j *Job) Run(ctx context.Context) (Report, error) {
	if !j.running.CompareAndSwap(false, true) {
		metrics.FlushRuns.WithLabelValues("skipped_running").Inc()
		return Report{}, ErrRunInProgress
	}
	defer j.running.Store(false)

	start := time.Now()
	token, ok, err := j.cache.AcquireLease(ctx, leaseName, j.cfg.LockTTL)
	if err != nil {
		metrics.FlushRuns.WithLabelValues("lease_failed").Inc()
		return Report{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		metrics.FlushRuns.WithLabelValues("skipped_locked").Inc()
		return Report{}, ErrLockHeld
	}
	defer func() {
		// release even if ctx was cancelled mid-run
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if released, err := j.cache.ReleaseLease(rctx, leaseName, token); err != nil || !released {
			j.log.Warn().Err(err).Bool("released", released).Msg("flush lease not released")
		}
	}()

	keys, err := j.Discover(ctx)
	if err != nil {
		metrics.FlushRuns.WithLabelValues("scan_failed").Inc()
		j.log.Error().Err(err).Msg("key scan failed, aborting run")
		return Report{}, fmt.Errorf("scan: %w", err)
	}

	rep := Report{KeysScanned: len(keys)}
	var runErr error
	for i, key := range keys {
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if i > 0 {
			held, err := j.cache.ExtendLease(ctx, leaseName, token, j.cfg.LockTTL)
			if err != nil || !held {
				j.log.Error().Err(err).Int("keys_left", len(keys)-i).Msg("flush lease lost, stopping run")
				runErr = ErrLeaseLost
				break
			}
		}
		j.flushKey(ctx, key, &rep)
	}

	rep.Duration = time.Since(start)
	switch {
	case runErr == nil:
		metrics.FlushRuns.WithLabelValues("ok").Inc()
		metrics.FlushDuration.Observe(rep.Duration.Seconds())
	case errors.Is(runErr, ErrLeaseLost):
		metrics.FlushRuns.WithLabelValues("lease_lost").Inc()
	default:
		metrics.FlushRuns.WithLabelValues("cancelled").Inc()
	}
	j.log.Info().
		Int("keys", rep.KeysScanned).
		Int("flushed", rep.KeysFlushed).
		Int("failed", rep.KeysFailed).
		Int("skipped", rep.KeysSkipped).
		Int("persisted", rep.Persisted).
		Int("corrupt", rep.Corrupt).
		Dur("took", rep.Duration).
		Msg("flush run finished")
	return rep, runErr
}

// Discover returns the distinct chat list keys currently in the cache, sorted.
func (j *Job) Discover(ctx context.Context) ([]string, error) {
	set, err := j.cache.ScanListKeys(ctx, j.cfg.ScanCount)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (j *Job) flushKey(ctx context.Context, key string, rep *Report) {
	log := j.log.With().Str("key", key).Logger()

	chatID, err := cache.ParseListKey(key)
	if err != nil {
		rep.KeysSkipped++
		log.Warn().Err(err).Msg("skipping malformed key")
		return
	}

	raw, err := j.cache.RangeOldest(ctx, key, j.cfg.BatchSize)
	if err != nil {
		rep.KeysFailed++
		metrics.FlushKeyFailures.WithLabelValues("read").Inc()
		log.Error().Err(err).Msg("reading batch failed")
		return
	}
	if len(raw) == 0 {
		return
	}

	records, corrupt := parseBatch(chatID, raw, log)
	rep.Corrupt += len(corrupt)
	metrics.FlushRecordsCorrupt.Add(float64(len(corrupt)))

	if j.cfg.DeadLetter && len(corrupt) > 0 {
		if err := j.cache.DeadLetter(ctx, chatID, corrupt); err != nil {
			rep.KeysFailed++
			metrics.FlushKeyFailures.WithLabelValues("dead_letter").Inc()
			log.Error().Err(err).Msg("dead-lettering corrupt entries failed, leaving batch in cache")
			return
		}
	}

	if len(records) > 0 {
		if err := j.store.InsertBatch(ctx, records); err != nil {
			rep.KeysFailed++
			metrics.FlushKeyFailures.WithLabelValues("persist").Inc()
			log.Error().Err(err).Int("chat_id", chatID).Int("records", len(records)).Msg("persist failed, batch rolled back")
			return
		}
		rep.Persisted += len(records)
		metrics.FlushRecordsPersisted.Add(float64(len(records)))
	}

	// Trim everything that was read, corrupt entries included. The batch is
	// already committed, so the trim must not be cut short by shutdown.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trimTimeout)
	defer cancel()
	if err := j.cache.TrimOldest(tctx, key, len(raw)); err != nil {
		rep.KeysFailed++
		metrics.FlushKeyFailures.WithLabelValues("trim").Inc()
		log.Error().Err(err).Int("chat_id", chatID).Int("persisted", len(records)).
			Msg("trim failed after persist; these entries will be persisted again next run")
		return
	}
	rep.Trimmed += len(raw)
	rep.KeysFlushed++
	log.Debug().Int("chat_id", chatID).Int("persisted", len(records)).Int("corrupt", len(corrupt)).Msg("key flushed")
}

// parseBatch turns a tail slice (oldest last) into records ordered oldest
// first. Entries that fail to parse are returned raw.
func parseBatch(chatID int, raw []string, log zerolog.Logger) (records []message.Record, corrupt []string) {
	records = make([]message.Record, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		m, err := message.DecodeCacheRecord(chatID, raw[i])
		if err != nil {
			log.Warn().Err(fmt.Errorf("%w: %v", ErrCorruptRecord, err)).
				Int("offset", i-len(raw)).
				Str("entry", truncate(raw[i], 200)).
				Msg("dropping corrupt entry")
			corrupt = append(corrupt, raw[i])
			continue
		}
		records = append(records, m.ToRecord())
	}
	return records, corrupt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
