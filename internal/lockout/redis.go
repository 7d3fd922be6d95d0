package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps attempt state in Redis so that several application
// instances share one view of each account.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a RedisStore. Keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "lockout"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(kind, userID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, userID)
}

// RecordFailure implements AttemptStore using a sorted set scored by time.
func (s *RedisStore) RecordFailure(ctx context.Context, userID string, at time.Time, window time.Duration) (int, error) {
	return s.recordWindowed(ctx, s.key("failures", userID), at, window)
}

// ClearFailures implements AttemptStore.
func (s *RedisStore) ClearFailures(ctx context.Context, userID string) error {
	return s.del(ctx, s.key("failures", userID))
}

// RecordViolation implements AttemptStore.
func (s *RedisStore) RecordViolation(ctx context.Context, userID string, at time.Time, window time.Duration) (int, error) {
	return s.recordWindowed(ctx, s.key("violations", userID), at, window)
}

// ClearViolations implements AttemptStore.
func (s *RedisStore) ClearViolations(ctx context.Context, userID string) error {
	return s.del(ctx, s.key("violations", userID))
}

// SetLock implements AttemptStore. The key expires with the lock, measured
// against now rather than the wall clock.
func (s *RedisStore) SetLock(ctx context.Context, userID string, now, until time.Time) error {
	ttl := until.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	value := strconv.FormatInt(until.UnixNano(), 10)
	if err := s.client.Set(ctx, s.key("lock", userID), value, ttl).Err(); err != nil {
		return fmt.Errorf("lockout: set lock: %w", err)
	}
	return nil
}

// LockedUntil implements AttemptStore.
func (s *RedisStore) LockedUntil(ctx context.Context, userID string, now time.Time) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.key("lock", userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("lockout: get lock: %w", err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lockout: decode lock: %w", err)
	}
	until := time.Unix(0, nanos).UTC()
	if !until.After(now) {
		return time.Time{}, false, s.ClearLock(ctx, userID)
	}
	return until, true, nil
}

// ClearLock implements AttemptStore.
func (s *RedisStore) ClearLock(ctx context.Context, userID string) error {
	return s.del(ctx, s.key("lock", userID))
}

func (s *RedisStore) recordWindowed(ctx context.Context, key string, at time.Time, window time.Duration) (int, error) {
	score := float64(at.UnixNano())
	cutoff := strconv.FormatInt(at.Add(-window).UnixNano(), 10)
	member := strconv.FormatInt(at.UnixNano(), 10) + ":" + uuid.NewString()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		card = pipe.ZCard(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("lockout: record %s: %w", key, err)
	}
	return int(card.Val()), nil
}

func (s *RedisStore) del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lockout: delete %s: %w", key, err)
	}
	return nil
}

var _ AttemptStore = (*RedisStore)(nil)
