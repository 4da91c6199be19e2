// Package kv defines the Shared KV Abstraction (spec §4.A): one interface
// per back-end tier, so the rest of the core never imports a vendor SDK
// directly. HotStore is the request-path tier (single-digit-ms latency,
// TTL-scoped counters/lists/sets); ColdStore is the config-path tier
// (strongly consistent put/get/delete, prefix scan, prefix watch).
package kv

import (
	"context"
	"time"
)

// HotStore is the low-latency, short-TTL back-end used by the rate
// limiter, anomaly detector, fingerprint/bot module, allow/deny lists,
// audit ring, and cluster event bus.
type HotStore interface {
	// IncrWithTTL atomically increments key and, only on the increment that
	// creates the key (count becomes 1), sets its TTL. Used by the fixed
	// window rate limiter: "increment-then-read-then-set-TTL atomically"
	// (spec §4.B).
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the string value of key, or found=false if absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set stores value under key. ttl == 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Exists reports whether key is present (and unexpired).
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining time-to-live of key.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ListPush prepends value to the list at key, trims it to maxLen most
	// recent entries, and (re)sets its TTL. Used for inter-arrival rings,
	// the bot-cadence ring, and the per-tenant audit log.
	ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error

	// ListRange returns up to limit of the most recently pushed elements,
	// newest first.
	ListRange(ctx context.Context, key string, limit int) ([]string, error)

	// ListLen returns the current length of the list at key.
	ListLen(ctx context.Context, key string) (int64, error)

	// SetAdd adds member to the set at key and (re)sets its TTL.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SetCard returns the cardinality of the set at key.
	SetCard(ctx context.Context, key string) (int64, error)

	// SetMembers returns every member of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Publish fans payload out to subscribers of channel (spec §4.I). Best
	// effort, at-most-once.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe returns a channel of payloads published to channel and an
	// unsubscribe function the caller must call to release resources.
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	// Ping verifies connectivity, used by /health and /readyz.
	Ping(ctx context.Context) error
}

// EventType distinguishes a Cold KV watch/scan event.
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// WatchEvent is one change observed on a Cold KV prefix watch.
type WatchEvent struct {
	Type     EventType
	Key      string
	Value    string
	Revision int64
}

// ColdStore is the strongly-consistent, durable back-end anchoring the
// Global Config Store (spec §4.A, §4.G): atomic put/get/delete, prefix
// scan, and long-lived prefix watches tagged put/delete.
type ColdStore interface {
	// Put writes value under key and returns the store's revision at write
	// time (used as the watch-resume point, not as the envelope version).
	Put(ctx context.Context, key, value string) (revision int64, err error)

	// Get returns the value at key, or found=false if absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// GetPrefix returns every key/value pair under prefix and the revision
	// of the scan, suitable as a watch-resume point (spec §4.H: "full
	// prefix scan, then restarts the watch from the revision returned by
	// the scan").
	GetPrefix(ctx context.Context, prefix string) (items map[string]string, revision int64, err error)

	// WatchPrefix streams put/delete events under prefix starting strictly
	// after fromRevision. The channel closes when ctx is cancelled or the
	// watch is administratively closed; callers must treat closure as a
	// broken watch requiring a fresh GetPrefix + WatchPrefix cycle.
	WatchPrefix(ctx context.Context, prefix string, fromRevision int64) (<-chan WatchEvent, error)

	// Ping verifies connectivity, used by /health, /readyz and /sync-status.
	Ping(ctx context.Context) error
}
