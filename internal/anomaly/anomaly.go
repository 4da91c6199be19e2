// Package anomaly implements the Anomaly Detector (spec §4.C): short-
// horizon per-(tenant, ip, user) features derived from Hot KV state,
// grounded on original_source/backend/defense_engine.py's AnomalyDetector.
// The detector is pure with respect to scoring — it reports which patterns
// fired and records the observation, but never decides the outcome; that is
// internal/decision's job.
package anomaly

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Window is the sliding window the detector approximates via Hot KV TTLs
// (spec §4.C: "over a 300-second sliding window").
const Window = 300 * time.Second

const (
	// interArrivalSamples is how many recent timestamps feed the
	// rapid-requests check.
	interArrivalSamples = 10
	rapidRequestThreshold = 100 * time.Millisecond

	pathScanThreshold = 50
	uaSpoofThreshold  = 20
)

// Flags reports which anomaly patterns fired for one request.
type Flags struct {
	RapidRequests bool
	PathScanning  bool
	UASpoofing    bool

	UniquePaths  int64
	UniqueAgents int64
}

// Any reports whether at least one pattern fired.
func (f Flags) Any() bool {
	return f.RapidRequests || f.PathScanning || f.UASpoofing
}

// hotStore is the subset of kv.HotStore the detector needs; accepting the
// narrow interface keeps this package decoupled from the kv package's
// pub/sub surface.
type hotStore interface {
	ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error
	ListRange(ctx context.Context, key string, limit int) ([]string, error)
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error
	SetCard(ctx context.Context, key string) (int64, error)
}

// Detector scans request features and records the current observation.
type Detector struct {
	hot hotStore
}

// New creates a Detector over the given Hot KV store.
func New(hot hotStore) *Detector {
	return &Detector{hot: hot}
}

// subjectKey collapses user_id="anonymous" across all anonymous callers
// from the same IP into one bucket, preserving the source's (likely
// intentional but undocumented) behavior (spec §9 Open Questions).
func subjectKey(ip, userID string) string {
	return ip + ":" + userID
}

// Scan records the current request's timestamp, path, and user-agent
// against the tenant-scoped (ip, user) state and reports which anomaly
// patterns are active as of this observation.
func (d *Detector) Scan(ctx context.Context, tenant, ip, userID, path, userAgent string, ts time.Time) (Flags, error) {
	subject := subjectKey(ip, userID)
	var flags Flags

	patternKey := fmt.Sprintf("request_pattern:%s:%s", tenant, subject)
	timestamps, err := d.hot.ListRange(ctx, patternKey, interArrivalSamples)
	if err != nil {
		return Flags{}, err
	}
	if len(timestamps) >= interArrivalSamples {
		if avg, ok := meanInterArrival(timestamps); ok && avg < rapidRequestThreshold {
			flags.RapidRequests = true
		}
	}

	pathKey := fmt.Sprintf("path_scan:%s:%s", tenant, subject)
	if err := d.hot.SetAdd(ctx, pathKey, path, Window); err != nil {
		return Flags{}, err
	}
	pathCount, err := d.hot.SetCard(ctx, pathKey)
	if err != nil {
		return Flags{}, err
	}
	flags.UniquePaths = pathCount
	if pathCount > pathScanThreshold {
		flags.PathScanning = true
	}

	uaKey := fmt.Sprintf("useragent_pattern:%s:%s", tenant, subject)
	if err := d.hot.SetAdd(ctx, uaKey, userAgent, Window); err != nil {
		return Flags{}, err
	}
	uaCount, err := d.hot.SetCard(ctx, uaKey)
	if err != nil {
		return Flags{}, err
	}
	flags.UniqueAgents = uaCount
	if uaCount > uaSpoofThreshold {
		flags.UASpoofing = true
	}

	// Record this request's arrival after reading the ring, mirroring the
	// source's detect_anomalies (lpush after the checks, not before).
	if err := d.hot.ListPush(ctx, patternKey, strconv.FormatInt(ts.UnixNano(), 10), interArrivalSamples, Window); err != nil {
		return Flags{}, err
	}

	return flags, nil
}

// meanInterArrival computes the mean gap between consecutive samples.
// timestamps is newest-first (as returned by ListRange over an LPUSH ring).
func meanInterArrival(timestamps []string) (time.Duration, bool) {
	if len(timestamps) < 2 {
		return 0, false
	}
	var total int64
	n := 0
	for i := 0; i < len(timestamps)-1; i++ {
		a, erra := strconv.ParseInt(timestamps[i], 10, 64)
		b, errb := strconv.ParseInt(timestamps[i+1], 10, 64)
		if erra != nil || errb != nil {
			continue
		}
		diff := a - b
		if diff < 0 {
			diff = -diff
		}
		total += diff
		n++
	}
	if n == 0 {
		return 0, false
	}
	return time.Duration(total / int64(n)), true
}
