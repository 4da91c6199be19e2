// Package redis implements the Hot KV tier (internal/kv.HotStore) on top of
// go-redis, grounded on wisbric-nightowl/internal/auth/ratelimit.go's
// INCR+EXPIRE pipeline pattern and pkg/escalation/engine.go's
// Publish/Subscribe usage, generalized to the full primitive set spec §4.A
// requires (lists, sets, pub/sub) on top of the original source's bare
// redis-py calls.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/kv"
)

// Store adapts a *redis.Client to kv.HotStore.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing pooled Redis client. One Store is shared by every
// request worker in the process (spec §5: "one pool per process").
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

var _ kv.HotStore = (*Store)(nil)

func classify(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return defenseerr.Wrap(defenseerr.BackendTimeout, "hot kv call timed out", err)
	}
	return defenseerr.Wrap(defenseerr.BackendUnavailable, "hot kv call failed", err)
}

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, classify(err)
	}
	count := incr.Val()
	// Only the increment that creates the key sets the TTL, so later
	// increments within the same window don't reset it (spec §4.B: "Window
	// TTL equals the window length; keys expire automatically").
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return count, classify(err)
		}
	}
	return count, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify(err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return classify(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return classify(s.rdb.Del(ctx, key).Err())
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return d, nil
}

func (s *Store) ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(maxLen-1))
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (s *Store) ListRange(ctx context.Context, key string, limit int) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, classify(err)
	}
	return vals, nil
}

func (s *Store) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (s *Store) SetCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, classify(err)
	}
	return members, nil
}

func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return classify(s.rdb.Publish(ctx, channel, payload).Err())
}

// Subscribe mirrors pkg/escalation/engine.go's rdb.Subscribe(ctx,
// "nightowl:alert:ack") pattern: it returns the raw payload channel and an
// unsubscribe func wrapping pubsub.Close.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, classify(err)
	}

	out := make(chan string, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-done:
					return
				}
			}
		}
	}()

	unsubscribe := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, unsubscribe, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return classify(s.rdb.Ping(ctx).Err())
}
