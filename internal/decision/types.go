// Package decision implements the Decision Engine (spec §4.F): the
// per-request state machine orchestrating the rate limiter, anomaly
// detector, and fingerprint/bot module into one admission decision,
// grounded on original_source/backend/defense_engine.py's
// DefenseEngine.analyze_request.
package decision

import (
	"time"

	"github.com/wisbric/cdndefense/internal/fingerprint"
)

// MaxPayloadSize is the large-payload scoring threshold (spec §4.C:
// "payload_size > 1 MiB: +10"; §8 boundary: "== 1 MiB does not incur the
// penalty; > 1 MiB does").
const MaxPayloadSize = 1 << 20 // 1 MiB

// RequestProfile is the ephemeral per-request record the engine
// evaluates (spec §3). Fingerprint is a supplemented addition: spec.md
// places BrowserFingerprint validation inside the JS challenge
// lifecycle only, but §4.F's decision flow runs a combined
// "fingerprint+bot scan" stage on every request, not only on challenge
// redemption. Gateways that have already collected a browser
// fingerprint for this client (e.g. from a prior challenge or an
// in-page probe) may attach it here; when absent the engine falls back
// to a minimal, UA-only fingerprint synthesized from the profile itself.
// For that fallback only the bot detector's headless-user-agent signal
// counts, and fingerprint validation is skipped.
type RequestProfile struct {
	RequestID   string
	Timestamp   time.Time
	ClientIP    string
	UserAgent   string
	Path        string
	Method      string
	Headers     map[string]string
	PayloadSize int64
	UserID      string
	TenantID    string

	Fingerprint *fingerprint.BrowserFingerprint

	// JSChallengeIssued/JSChallengeFailed let a caller report the outcome
	// of a JS challenge that was issued earlier in this same visit, so it
	// can feed the +10 "failed JS challenge when one was issued" signal
	// (spec §4.C).
	JSChallengeIssued bool
	JSChallengeFailed bool

	// Mutable evaluation fields, populated by the engine (spec §3).
	ThreatScore         float64
	AttackKind          string
	JSPassed            bool
	FingerprintMatched  bool
	IsBot               bool
}

// Action is the terminal admission verdict (spec §3).
type Action string

const (
	ActionAllow     Action = "allow"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
	ActionBlock     Action = "block"
)

// ThreatLevel classifies a threat score into one of four fixed bands
// (spec §4.C, §8 invariant 6).
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// ClassifyThreatLevel buckets score into the fixed bands (spec §4.C:
// "<30 low, <50 medium, <70 high, >=70 critical").
func ClassifyThreatLevel(score float64) ThreatLevel {
	switch {
	case score < 30:
		return ThreatLow
	case score < 50:
		return ThreatMedium
	case score < 70:
		return ThreatHigh
	default:
		return ThreatCritical
	}
}

// AttackKind is a small closed set of attack-kind labels (supplemented
// from original_source/backend/defense_engine.py's AttackType enum,
// collapsed per SPEC_FULL.md §4 to the signals this engine actually
// computes).
type AttackKind string

const (
	AttackNone             AttackKind = "none"
	AttackRateAbuse        AttackKind = "rate_abuse"
	AttackBot              AttackKind = "bot"
	AttackAnomalousPattern AttackKind = "anomalous_pattern"
	AttackPayloadAnomaly   AttackKind = "payload_anomaly"
)

// DefenseDecision is the engine's output for one request (spec §3).
type DefenseDecision struct {
	Action              Action      `json:"action"`
	ThreatLevel         ThreatLevel `json:"threat_level"`
	ThreatScore         float64     `json:"threat_score"`
	Reason              string      `json:"reason"`
	RequireJSChallenge  bool        `json:"require_js_challenge"`
	BlockDurationSeconds int        `json:"block_duration_seconds"`
	AttackKind          AttackKind  `json:"attack_kind"`
}

// Allow reports whether the client may proceed to the origin — true for
// both allow and challenge (the request is not yet blocked; the gateway
// still serves the JS challenge page or the response body inline).
func (d DefenseDecision) Allow() bool {
	return d.Action == ActionAllow || d.Action == ActionChallenge
}
