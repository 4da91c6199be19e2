// Package ratelimit implements the Rate Limiter (spec §4.B): fixed-window
// counters per (tenant, subject), grounded on
// wisbric-nightowl/internal/auth/ratelimit.go's INCR+EXPIRE pipeline and
// original_source/backend/defense_engine.py's RateLimiter.check_rate_limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/wisbric/cdndefense/internal/kv"
)

// Limiter checks fixed-window request counts against a Hot KV backend.
type Limiter struct {
	hot kv.HotStore
}

// New creates a Limiter over the given Hot KV store.
func New(hot kv.HotStore) *Limiter {
	return &Limiter{hot: hot}
}

// Result is the outcome of a single rate-limit check (spec §4.B: "Return:
// (limited, current_count)").
type Result struct {
	Limited bool
	Count   int64
}

// Check increments the counter for (tenant, subject) in the window
// containing now, and reports whether the resulting count exceeds limit.
// The window is keyed by its floor(now/window) bucket, so a request
// arriving exactly at the boundary starts a fresh window — the deliberate
// burst allowance spec §4.B documents and accepts.
func (l *Limiter) Check(ctx context.Context, tenant, subject string, limit int, window time.Duration) (Result, error) {
	bucket := now().Unix() / int64(window.Seconds())
	key := fmt.Sprintf("rate_limit:%s:%s:%d", tenant, subject, bucket)

	count, err := l.hot.IncrWithTTL(ctx, key, window)
	if err != nil {
		return Result{}, err
	}
	return Result{Limited: count > int64(limit), Count: count}, nil
}

// now is a seam for deterministic tests; production never overrides it.
var now = time.Now
