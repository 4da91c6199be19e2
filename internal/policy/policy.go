// Package policy holds the authoritative configuration types stored under
// the Global Config Store's key space and mirrored into every node's cache
// (spec §3, §4.G).
package policy

import (
	"fmt"
	"time"
)

// ChallengeKind names the bot-mitigation mechanism a tenant's policy asks
// for when a request crosses the js_challenge_threshold.
type ChallengeKind string

const (
	ChallengeJS          ChallengeKind = "js"
	ChallengeCaptcha     ChallengeKind = "captcha"
	ChallengeFingerprint ChallengeKind = "fingerprint"
)

// TenantPolicy is the effective per-tenant defense configuration (spec §3).
type TenantPolicy struct {
	RatePerMinute           int           `json:"rate_per_minute"`
	RatePerHour             int           `json:"rate_per_hour"`
	JSChallengeThreshold    float64       `json:"js_challenge_threshold"`
	BlockThreshold          float64       `json:"block_threshold"`
	BotDetectionEnabled     bool          `json:"bot_detection_enabled"`
	AnomalyDetectionEnabled bool          `json:"anomaly_detection_enabled"`
	ChallengeKind           ChallengeKind `json:"challenge_kind"`
	Version                 int64         `json:"version"`
}

// DefaultTenantPolicy returns the policy applied to a tenant that has never
// written a config, matching the source's _default_config.
func DefaultTenantPolicy() TenantPolicy {
	return TenantPolicy{
		RatePerMinute:           100,
		RatePerHour:             10000,
		JSChallengeThreshold:    30,
		BlockThreshold:          70,
		BotDetectionEnabled:     true,
		AnomalyDetectionEnabled: true,
		ChallengeKind:           ChallengeJS,
	}
}

// Validate enforces the invariant 0 <= js_challenge_threshold <=
// block_threshold <= 100 (spec §3) and a sane challenge kind.
func (p TenantPolicy) Validate() error {
	if p.JSChallengeThreshold < 0 || p.JSChallengeThreshold > 100 {
		return fmt.Errorf("js_challenge_threshold must be in [0,100], got %v", p.JSChallengeThreshold)
	}
	if p.BlockThreshold < 0 || p.BlockThreshold > 100 {
		return fmt.Errorf("block_threshold must be in [0,100], got %v", p.BlockThreshold)
	}
	if p.JSChallengeThreshold > p.BlockThreshold {
		return fmt.Errorf("js_challenge_threshold (%v) must be <= block_threshold (%v)", p.JSChallengeThreshold, p.BlockThreshold)
	}
	switch p.ChallengeKind {
	case ChallengeJS, ChallengeCaptcha, ChallengeFingerprint, "":
	default:
		return fmt.Errorf("unknown challenge_kind %q", p.ChallengeKind)
	}
	if p.RatePerMinute < 0 || p.RatePerHour < 0 {
		return fmt.Errorf("rate limits must be non-negative")
	}
	return nil
}

// DefensePluginConfig binds the decision engine to a route (spec §4.G, §9:
// "the plugin binding is an attribute of the route, not a separate
// root-level entity").
type DefensePluginConfig struct {
	DefenseEngineURL  string `json:"defense_engine_url"`
	TenantID          string `json:"tenant_id"`
	EnableJSChallenge bool   `json:"enable_js_challenge"`

	// Overrides shadow TenantPolicy for requests matching this route when set.
	RatePerMinuteOverride        *int     `json:"rate_per_minute_override,omitempty"`
	JSChallengeThresholdOverride *float64 `json:"js_challenge_threshold_override,omitempty"`
	BlockThresholdOverride       *float64 `json:"block_threshold_override,omitempty"`
}

// Route is a tenant-scoped route definition (spec §3).
type Route struct {
	RouteID        string               `json:"route_id"`
	TenantID       string               `json:"tenant_id"`
	PathPattern    string               `json:"path_pattern"`
	UpstreamURL    string               `json:"upstream_url"`
	Methods        []string             `json:"methods"`
	StripPath      bool                 `json:"strip_path"`
	Enabled        bool                 `json:"enabled"`
	DefensePlugin  *DefensePluginConfig `json:"defense_plugin,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	Version        int64                `json:"version"`
}

// EffectivePolicy merges a TenantPolicy with this route's plugin overrides,
// if any. Resolved once per request (spec §4.E, §4.F: "one snapshot per
// request; mid-request policy changes do not retroactively alter a
// decision").
func (r Route) EffectivePolicy(base TenantPolicy) TenantPolicy {
	if r.DefensePlugin == nil {
		return base
	}
	eff := base
	if v := r.DefensePlugin.RatePerMinuteOverride; v != nil {
		eff.RatePerMinute = *v
	}
	if v := r.DefensePlugin.JSChallengeThresholdOverride; v != nil {
		eff.JSChallengeThreshold = *v
	}
	if v := r.DefensePlugin.BlockThresholdOverride; v != nil {
		eff.BlockThreshold = *v
	}
	return eff
}

// MatchesMethod reports whether method is allowed on this route. An empty
// Methods set means all methods are allowed.
func (r Route) MatchesMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// SSLCertificate is a tenant-scoped TLS material record (spec §3). Rotation
// is delete-then-put under a new CertID, never an in-place mutation.
type SSLCertificate struct {
	CertID    string    `json:"cert_id"` // tenant_id:domain
	TenantID  string    `json:"tenant_id"`
	Domain    string    `json:"domain"`
	CertPEM   string    `json:"cert_pem"`
	KeyPEM    string    `json:"key_pem"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"`
}

// CertID builds the cert_id = tenant_id:domain key used throughout §4.G.
func CertID(tenantID, domain string) string {
	return tenantID + ":" + domain
}

// Envelope wraps every value stored under the Global Config Store (spec
// §4.G): the payload plus its write time and monotonic version.
type Envelope[T any] struct {
	Payload   T     `json:"payload"`
	UpdatedAt int64 `json:"updated_at"` // unix millis
	Version   int64 `json:"version"`   // floor(wall_ms_at_write), last-writer-wins tie-breaker
}

// NowMillis returns the current wall clock in milliseconds, used as the
// envelope Version per spec §4.G ("version = floor(wall_ms_at_write)").
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
