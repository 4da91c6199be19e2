// Package audit implements the per-tenant audit trail (spec §3:
// AuditEntry, "Ring-buffered at 10,000 entries per tenant") and the
// statistics aggregation spec §6's GET /statistics exposes, grounded on
// original_source/backend/defense_engine.py's log_request/get_statistics.
package audit

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/wisbric/cdndefense/internal/defenseerr"
	"github.com/wisbric/cdndefense/internal/telemetry"
)

// RingCap is the per-tenant audit ring capacity (spec §3, §9 Open
// Questions: kept as specified despite giving only seconds of history
// under sustained high traffic).
const RingCap = 10000

// Entry is one append-only audit record (spec §3).
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	ClientIP    string    `json:"client_ip"`
	UserID      string    `json:"user_id"`
	ThreatScore float64   `json:"threat_score"`
	Action      string    `json:"action"`
	Reason      string    `json:"reason"`
	AttackKind  string    `json:"attack_kind"`
}

// hotStore is the subset of kv.HotStore the audit ring uses.
type hotStore interface {
	ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error
	ListRange(ctx context.Context, key string, limit int) ([]string, error)
	ListLen(ctx context.Context, key string) (int64, error)
}

// Log appends entries to, and reads from, the per-tenant audit ring.
type Log struct {
	hot hotStore
}

// New creates a Log over the given Hot KV store.
func New(hot hotStore) *Log {
	return &Log{hot: hot}
}

func logKey(tenant string) string { return "logs:" + tenant }

// Append records entry under tenant's ring, trimmed to RingCap. Failure
// is swallowed with a counter increment — audit write failure must have
// no user-visible effect (spec §7: "Audit write failure is swallowed
// with a counter incremented").
func (l *Log) Append(ctx context.Context, tenant string, entry Entry) {
	buf, err := json.Marshal(entry)
	if err != nil {
		telemetry.AuditWriteFailuresTotal.WithLabelValues(tenant).Inc()
		return
	}
	if err := l.hot.ListPush(ctx, logKey(tenant), string(buf), RingCap, 0); err != nil {
		telemetry.AuditWriteFailuresTotal.WithLabelValues(tenant).Inc()
	}
}

// Tail returns up to limit of the most recent entries for tenant,
// newest first (spec §6: "GET /logs?limit=N ... tail N audit entries").
func (l *Log) Tail(ctx context.Context, tenant string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > RingCap {
		limit = 100
	}
	raw, err := l.hot.ListRange(ctx, logKey(tenant), limit)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Statistics aggregates the audit ring for a tenant (spec §6: "GET
// /statistics — aggregated counts over the audit ring: total, blocked,
// rate_limited, challenged, allowed, avg_threat_score, top 10 IPs").
type Statistics struct {
	Total          int       `json:"total"`
	RingSize       int64     `json:"ring_size"`
	Blocked        int       `json:"blocked"`
	RateLimited    int       `json:"rate_limited"`
	Challenged     int       `json:"challenged"`
	Allowed        int       `json:"allowed"`
	AvgThreatScore float64   `json:"avg_threat_score"`
	TopIPs         []IPCount `json:"top_ips"`
}

// IPCount is one entry in Statistics.TopIPs.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Statistics computes aggregated counts over the full ring for tenant.
func (l *Log) Statistics(ctx context.Context, tenant string) (Statistics, error) {
	entries, err := l.Tail(ctx, tenant, RingCap)
	if err != nil {
		return Statistics{}, defenseerr.Wrap(defenseerr.Internal, "reading audit ring", err)
	}
	ringSize, err := l.hot.ListLen(ctx, logKey(tenant))
	if err != nil {
		return Statistics{}, defenseerr.Wrap(defenseerr.Internal, "reading audit ring size", err)
	}

	stats := Statistics{Total: len(entries), RingSize: ringSize}
	var scoreSum float64
	ipCounts := make(map[string]int)
	for _, e := range entries {
		switch e.Action {
		case "block":
			stats.Blocked++
		case "rate_limit":
			stats.RateLimited++
		case "challenge":
			stats.Challenged++
		case "allow":
			stats.Allowed++
		}
		scoreSum += e.ThreatScore
		ipCounts[e.ClientIP]++
	}
	if stats.Total > 0 {
		stats.AvgThreatScore = scoreSum / float64(stats.Total)
	}

	top := make([]IPCount, 0, len(ipCounts))
	for ip, count := range ipCounts {
		top = append(top, IPCount{IP: ip, Count: count})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].IP < top[j].IP
	})
	if len(top) > 10 {
		top = top[:10]
	}
	stats.TopIPs = top

	return stats, nil
}
