package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/cdndefense/internal/anomaly"
	"github.com/wisbric/cdndefense/internal/audit"
	"github.com/wisbric/cdndefense/internal/eventbus"
	"github.com/wisbric/cdndefense/internal/fingerprint"
	"github.com/wisbric/cdndefense/internal/kv"
	"github.com/wisbric/cdndefense/internal/policy"
	"github.com/wisbric/cdndefense/internal/ratelimit"
	"github.com/wisbric/cdndefense/internal/telemetry"
)

// requestBudget is the overall per-request deadline (spec §5: "2s
// overall per request").
const requestBudget = 2 * time.Second

// blockDuration is how long a score-driven block lasts (spec §4.F:
// "block (duration 3600)").
const blockDuration = 3600 * time.Second

// rateLimitWindow is the fixed window the minute-scoped counter uses.
const rateLimitWindow = time.Minute

// hourWindow is the fixed window the hour-scoped counter uses.
const hourWindow = time.Hour

// FailMode governs the engine's behavior on total decision failure
// (spec §7: "Operators may configure fail-closed by policy").
type FailMode string

const (
	FailOpen   FailMode = "fail_open"
	FailClosed FailMode = "fail_closed"
)

// PolicySource resolves the effective tenant policy for a request (spec
// §4.E, §9: "resolve the effective policy once per request"). Satisfied
// by *internal/policycache.Cache.
type PolicySource interface {
	TenantPolicy(tenantID string) (policy.TenantPolicy, error)
}

// Engine is the Decision Engine (spec §4.F): the per-request state
// machine combining B (rate limiter), C (anomaly detector), D
// (fingerprint/bot module), and E (policy cache) into one admission
// decision.
type Engine struct {
	hot       kv.HotStore
	policies  PolicySource
	limiter   *ratelimit.Limiter
	anomaly   *anomaly.Detector
	validator *fingerprint.Validator
	bot       *fingerprint.BotDetector
	audit     *audit.Log
	bus       *eventbus.Bus
	log       *slog.Logger
	nodeID    string
	failMode  FailMode
	now       func() time.Time
}

// New creates an Engine wired to its B–E collaborators.
func New(
	hot kv.HotStore,
	policies PolicySource,
	limiter *ratelimit.Limiter,
	detector *anomaly.Detector,
	validator *fingerprint.Validator,
	bot *fingerprint.BotDetector,
	auditLog *audit.Log,
	bus *eventbus.Bus,
	log *slog.Logger,
	nodeID string,
	failMode FailMode,
) *Engine {
	return &Engine{
		hot:       hot,
		policies:  policies,
		limiter:   limiter,
		anomaly:   detector,
		validator: validator,
		bot:       bot,
		audit:     auditLog,
		bus:       bus,
		log:       log,
		nodeID:    nodeID,
		failMode:  failMode,
		now:       time.Now,
	}
}

// Ping verifies Hot KV connectivity (spec §6: "GET /health — liveness
// incl. Hot KV ping").
func (e *Engine) Ping(ctx context.Context) error {
	return e.hot.Ping(ctx)
}

func (e *Engine) resolvePolicy(tenantID string) policy.TenantPolicy {
	p, err := e.policies.TenantPolicy(tenantID)
	if err != nil {
		// Unknown tenants get the documented defaults rather than failing
		// the request (spec §3, source's _default_config).
		return policy.DefaultTenantPolicy()
	}
	return p
}

func subjectForUser(userID string) (string, bool) {
	if userID == "" || userID == "anonymous" {
		return "", false
	}
	return userID, true
}

// Analyze runs the full admission pipeline for profile and returns the
// terminal decision (spec §4.F). It never returns an error for ordinary
// backend degradation — Hot KV failures on the request path degrade the
// decision rather than failing it (spec §7). If ctx is already done on
// entry it returns the engine-failure decision (see FailMode), still
// with a nil error.
func (e *Engine) Analyze(ctx context.Context, profile *RequestProfile) (DefenseDecision, error) {
	if err := ctx.Err(); err != nil {
		return e.engineFailure(ctx, profile, "context_cancelled"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestBudget)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("decision: panic during analyze", "panic", r, "request_id", profile.RequestID)
		}
	}()

	tenant := profile.TenantID
	pol := e.resolvePolicy(tenant)

	if allowed, err := e.hot.Exists(ctx, whitelistKey(tenant, profile.ClientIP)); err == nil && allowed {
		return e.finish(ctx, profile, DefenseDecision{
			Action:      ActionAllow,
			ThreatLevel: ThreatLow,
			ThreatScore: 0,
			Reason:      "allowlisted",
			AttackKind:  AttackNone,
		}), nil
	} else if err != nil {
		e.log.Warn("decision: allowlist check failed, degrading", "error", err)
	}

	if denied, err := e.hot.Exists(ctx, blacklistKey(tenant, profile.ClientIP)); err == nil && denied {
		duration := int(blockDuration.Seconds())
		if ttl, err := e.hot.TTL(ctx, blacklistKey(tenant, profile.ClientIP)); err == nil && ttl > 0 {
			duration = int(ttl.Seconds())
		}
		return e.finish(ctx, profile, DefenseDecision{
			Action:               ActionBlock,
			ThreatLevel:          ThreatHigh,
			ThreatScore:          60,
			Reason:               "denylisted",
			BlockDurationSeconds: duration,
			AttackKind:           AttackNone,
		}), nil
	} else if err != nil {
		e.log.Warn("decision: denylist check failed, degrading", "error", err)
	}

	var degradedCause string

	if limited, window := e.checkRateLimits(ctx, tenant, profile, pol, &degradedCause); limited {
		return e.finish(ctx, profile, DefenseDecision{
			Action:               ActionRateLimit,
			ThreatLevel:          ClassifyThreatLevel(75),
			ThreatScore:          75,
			Reason:               "rate_limited",
			BlockDurationSeconds: int(window.Seconds()),
			AttackKind:           AttackRateAbuse,
		}), nil
	}

	var flags anomaly.Flags
	if pol.AnomalyDetectionEnabled {
		var err error
		flags, err = e.anomaly.Scan(ctx, tenant, profile.ClientIP, profile.UserID, profile.Path, profile.UserAgent, profile.Timestamp)
		if err != nil {
			degradedCause = "anomaly_scan:" + err.Error()
			flags = anomaly.Flags{}
		}
		recordAnomalyMetrics(tenant, flags)
	}

	fp := profile.Fingerprint
	if fp == nil {
		fp = &fingerprint.BrowserFingerprint{UserAgent: profile.UserAgent}
	}

	isBot := false
	if pol.BotDetectionEnabled {
		botResult, err := e.bot.Detect(ctx, *fp, profile.ClientIP, profile.UserID, profile.Timestamp)
		if err != nil {
			degradedCause = "bot_detect:" + err.Error()
		} else {
			isBot = botResult.IsBot
			if profile.Fingerprint == nil {
				// The synthesized fingerprint carries only the user agent,
				// so only the user-agent verdict counts for it.
				isBot = false
				for _, r := range botResult.Reasons {
					if r == "headless_user_agent" {
						isBot = true
					}
				}
			}
			if isBot {
				telemetry.BotDetectionsTotal.WithLabelValues(tenant).Inc()
			}
		}
	}
	profile.IsBot = isBot

	fingerprintMismatch := false
	if profile.Fingerprint != nil {
		validation, err := e.validator.Validate(ctx, *profile.Fingerprint, profile.ClientIP, profile.UserID, profile.Timestamp)
		if err != nil {
			degradedCause = "fingerprint_validate:" + err.Error()
		} else {
			profile.FingerprintMatched = validation.Valid
			fingerprintMismatch = !validation.Valid
		}
	}

	payloadOver := profile.PayloadSize > MaxPayloadSize

	score := composeScore(flags, isBot, profile.JSChallengeIssued && profile.JSChallengeFailed, fingerprintMismatch, payloadOver)
	level := ClassifyThreatLevel(score)
	kind := classifyAttackKind(flags, isBot, payloadOver)

	profile.ThreatScore = score
	profile.AttackKind = string(kind)

	reason := "allow"
	action := ActionAllow
	requireJS := false
	duration := 0

	switch {
	case score >= pol.BlockThreshold:
		action = ActionBlock
		reason = "score_block"
		duration = int(blockDuration.Seconds())
	case score >= pol.JSChallengeThreshold:
		action = ActionChallenge
		reason = "score_challenge"
		requireJS = true
	}

	if degradedCause != "" {
		reason = "degraded:" + degradedCause
	}

	return e.finish(ctx, profile, DefenseDecision{
		Action:               action,
		ThreatLevel:          level,
		ThreatScore:          score,
		Reason:               reason,
		RequireJSChallenge:   requireJS,
		BlockDurationSeconds: duration,
		AttackKind:           kind,
	}), nil
}

// checkRateLimits asks once for the IP-scoped counters and, when the
// request carries a known user id, the user-scoped counters too (spec
// §4.B). A Hot KV failure degrades to "not limited" (spec §7).
func (e *Engine) checkRateLimits(ctx context.Context, tenant string, profile *RequestProfile, pol policy.TenantPolicy, degradedCause *string) (bool, time.Duration) {
	subjects := []string{profile.ClientIP}
	if user, ok := subjectForUser(profile.UserID); ok {
		subjects = append(subjects, user)
	}

	for _, subject := range subjects {
		if pol.RatePerMinute > 0 {
			result, err := e.limiter.Check(ctx, tenant, subject, pol.RatePerMinute, rateLimitWindow)
			if err != nil {
				*degradedCause = "rate_limit:" + err.Error()
			} else {
				telemetry.RateLimitBreachesTotal.WithLabelValues(tenant, subjectKind(subject, profile)).Add(0)
				if result.Limited {
					telemetry.RateLimitBreachesTotal.WithLabelValues(tenant, subjectKind(subject, profile)).Inc()
					return true, rateLimitWindow
				}
			}
		}
		if pol.RatePerHour > 0 {
			result, err := e.limiter.Check(ctx, tenant, subject, pol.RatePerHour, hourWindow)
			if err != nil {
				*degradedCause = "rate_limit:" + err.Error()
			} else if result.Limited {
				telemetry.RateLimitBreachesTotal.WithLabelValues(tenant, subjectKind(subject, profile)).Inc()
				return true, hourWindow
			}
		}
	}
	return false, 0
}

func subjectKind(subject string, profile *RequestProfile) string {
	if subject == profile.ClientIP {
		return "ip"
	}
	return "user"
}

func recordAnomalyMetrics(tenant string, flags anomaly.Flags) {
	if flags.RapidRequests {
		telemetry.AnomalyFlagsTotal.WithLabelValues(tenant, "rapid_requests").Inc()
	}
	if flags.PathScanning {
		telemetry.AnomalyFlagsTotal.WithLabelValues(tenant, "path_scanning").Inc()
	}
	if flags.UASpoofing {
		telemetry.AnomalyFlagsTotal.WithLabelValues(tenant, "ua_spoofing").Inc()
	}
}

// composeScore sums the independent signals the engine evaluated,
// capped at 100 (spec §4.C).
func composeScore(flags anomaly.Flags, isBot, jsFailed, fpMismatch, payloadOver bool) float64 {
	score := 0.0
	if flags.RapidRequests {
		score += 20
	}
	if flags.PathScanning {
		score += 25
	}
	if flags.UASpoofing {
		score += 15
	}
	if isBot {
		score += 30
	}
	if jsFailed {
		score += 10
	}
	if fpMismatch {
		score += 5
	}
	if payloadOver {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// classifyAttackKind derives a coarse attack-kind label from which
// signal dominated the score (supplemented, see SPEC_FULL.md §4). By
// the time this runs, allowlist/denylist/rate-limit have already
// short-circuited, so none of those labels apply here.
func classifyAttackKind(flags anomaly.Flags, isBot, payloadOver bool) AttackKind {
	switch {
	case isBot:
		return AttackBot
	case flags.Any():
		return AttackAnomalousPattern
	case payloadOver:
		return AttackPayloadAnomaly
	default:
		return AttackNone
	}
}

// finish records the audit entry and publishes the request_analyzed
// event for every terminal decision (spec §4.F: "Every terminal state
// emits an AuditEntry and publishes a request_analyzed event").
func (e *Engine) finish(ctx context.Context, profile *RequestProfile, decision DefenseDecision) DefenseDecision {
	telemetry.DecisionsTotal.WithLabelValues(profile.TenantID, string(decision.Action)).Inc()
	telemetry.ThreatScore.WithLabelValues(profile.TenantID).Observe(decision.ThreatScore)

	e.audit.Append(ctx, profile.TenantID, audit.Entry{
		Timestamp:   e.now(),
		RequestID:   profile.RequestID,
		ClientIP:    profile.ClientIP,
		UserID:      profile.UserID,
		ThreatScore: decision.ThreatScore,
		Action:      string(decision.Action),
		Reason:      decision.Reason,
		AttackKind:  string(decision.AttackKind),
	})

	if e.bus != nil {
		payload := map[string]any{
			"tenant_id":    profile.TenantID,
			"request_id":   profile.RequestID,
			"client_ip":    profile.ClientIP,
			"action":       decision.Action,
			"threat_score": decision.ThreatScore,
		}
		if err := e.bus.Publish(ctx, eventbus.EventRequestAnalyzed, payload); err != nil {
			e.log.Warn("decision: failed to publish request_analyzed event", "error", err)
		}
	}

	return decision
}

// engineFailure builds the fail-open/fail-closed response for total
// decision failure (spec §7: "on total decision failure the engine
// returns allow (fail-open) with reason=engine_error ... Operators may
// configure fail-closed by policy, in which case total failure returns
// block").
func (e *Engine) engineFailure(ctx context.Context, profile *RequestProfile, cause string) DefenseDecision {
	e.log.Error("decision: total engine failure", "cause", cause, "request_id", profile.RequestID, "fail_mode", e.failMode)
	decision := DefenseDecision{
		ThreatLevel: ThreatLow,
		ThreatScore: 0,
		Reason:      "engine_error",
		AttackKind:  AttackNone,
	}
	if e.failMode == FailClosed {
		decision.Action = ActionBlock
		decision.ThreatLevel = ThreatCritical
		decision.ThreatScore = 100
		decision.BlockDurationSeconds = int(blockDuration.Seconds())
	} else {
		decision.Action = ActionAllow
	}
	telemetry.DecisionsTotal.WithLabelValues(profile.TenantID, string(decision.Action)).Inc()
	return decision
}
