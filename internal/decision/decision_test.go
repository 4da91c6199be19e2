package decision

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/cdndefense/internal/anomaly"
	"github.com/wisbric/cdndefense/internal/audit"
	"github.com/wisbric/cdndefense/internal/eventbus"
	"github.com/wisbric/cdndefense/internal/fingerprint"
	"github.com/wisbric/cdndefense/internal/kv/kvtest"
	"github.com/wisbric/cdndefense/internal/policy"
	"github.com/wisbric/cdndefense/internal/ratelimit"
)

type staticPolicy struct{ p policy.TenantPolicy }

func (s staticPolicy) TenantPolicy(string) (policy.TenantPolicy, error) { return s.p, nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, pol policy.TenantPolicy) (*Engine, *kvtest.HotStore) {
	t.Helper()
	hot := kvtest.NewHotStore(nil)
	limiter := ratelimit.New(hot)
	detector := anomaly.New(hot)
	validator := fingerprint.NewValidator(hot)
	bot := fingerprint.NewBotDetector(hot)
	auditLog := audit.New(hot)
	bus := eventbus.New(hot, "node-1")
	eng := New(hot, staticPolicy{pol}, limiter, detector, validator, bot, auditLog, bus, testLogger(), "node-1", FailOpen)
	return eng, hot
}

func baseProfile() *RequestProfile {
	return &RequestProfile{
		RequestID: "req-1",
		Timestamp: time.Now(),
		ClientIP:  "9.9.9.9",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15) Chrome/120",
		Path:      "/",
		Method:    "GET",
		TenantID:  "tenant-a",
	}
}

func TestAnalyze_CleanFirstRequestAllowsWithLowScore(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	decision, err := eng.Analyze(context.Background(), baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Fatalf("Action = %q, want allow", decision.Action)
	}
	if decision.ThreatScore > 30 {
		t.Fatalf("ThreatScore = %v, want <= 30 for a clean first request", decision.ThreatScore)
	}
}

func TestAnalyze_WhitelistShortCircuitsAllow(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	if err := eng.AddToWhitelist(context.Background(), "tenant-a", "9.9.9.9", 0); err != nil {
		t.Fatalf("AddToWhitelist: %v", err)
	}

	decision, err := eng.Analyze(context.Background(), baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionAllow || decision.Reason != "allowlisted" {
		t.Fatalf("decision = %+v, want allow/allowlisted", decision)
	}
}

func TestAnalyze_BlacklistShortCircuitsBlock(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	if err := eng.AddToBlacklist(context.Background(), "tenant-a", "9.9.9.9", time.Hour); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}

	decision, err := eng.Analyze(context.Background(), baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionBlock || decision.Reason != "denylisted" {
		t.Fatalf("decision = %+v, want block/denylisted", decision)
	}
}

func TestAnalyze_WhitelistDominatesBlacklist(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	if err := eng.AddToBlacklist(context.Background(), "tenant-a", "9.9.9.9", time.Hour); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}
	if err := eng.AddToWhitelist(context.Background(), "tenant-a", "9.9.9.9", 0); err != nil {
		t.Fatalf("AddToWhitelist: %v", err)
	}

	decision, err := eng.Analyze(context.Background(), baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Fatalf("Action = %q, want allow (allowlist must dominate denylist)", decision.Action)
	}
}

func TestAnalyze_RateLimitTakesPriorityOverScoring(t *testing.T) {
	pol := policy.DefaultTenantPolicy()
	pol.RatePerMinute = 2
	eng, _ := newTestEngine(t, pol)

	var last DefenseDecision
	for i := 0; i < 3; i++ {
		profile := baseProfile()
		profile.RequestID = profile.RequestID + string(rune('a'+i))
		var err error
		last, err = eng.Analyze(context.Background(), profile)
		if err != nil {
			t.Fatalf("Analyze iteration %d: %v", i, err)
		}
	}
	if last.Action != ActionRateLimit {
		t.Fatalf("Action = %q, want rate_limit after exceeding RatePerMinute", last.Action)
	}
	if last.AttackKind != AttackRateAbuse {
		t.Fatalf("AttackKind = %q, want rate_abuse", last.AttackKind)
	}
}

func TestAnalyze_HighScoreBlocks(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	profile := baseProfile()
	profile.UserAgent = "HeadlessChrome/bot"
	profile.Fingerprint = &fingerprint.BrowserFingerprint{UserAgent: profile.UserAgent}
	profile.PayloadSize = MaxPayloadSize + 1

	decision, err := eng.Analyze(context.Background(), profile)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionBlock {
		t.Fatalf("Action = %q, want block for a headless bot + oversized payload", decision.Action)
	}
	if decision.AttackKind != AttackBot {
		t.Fatalf("AttackKind = %q, want bot", decision.AttackKind)
	}
}

func TestAnalyze_DegradedHotKVFailsOpenWithDegradedReason(t *testing.T) {
	hot := &failingHotStore{HotStore: kvtest.NewHotStore(nil)}
	limiter := ratelimit.New(hot)
	detector := anomaly.New(hot)
	validator := fingerprint.NewValidator(hot)
	bot := fingerprint.NewBotDetector(hot)
	auditLog := audit.New(hot)
	bus := eventbus.New(hot, "node-1")
	eng := New(hot, staticPolicy{policy.DefaultTenantPolicy()}, limiter, detector, validator, bot, auditLog, bus, testLogger(), "node-1", FailOpen)

	decision, err := eng.Analyze(context.Background(), baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionAllow {
		t.Fatalf("Action = %q, want allow on Hot KV degradation (fail-open per-stage default)", decision.Action)
	}
	if len(decision.Reason) < len("degraded:") || decision.Reason[:9] != "degraded:" {
		t.Fatalf("Reason = %q, want a degraded: prefix", decision.Reason)
	}
}

func TestEngineFailure_FailOpenAllowsOnCancelledContext(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision, err := eng.Analyze(ctx, baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionAllow || decision.Reason != "engine_error" {
		t.Fatalf("decision = %+v, want allow/engine_error", decision)
	}
}

func TestEngineFailure_FailClosedBlocksOnCancelledContext(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	limiter := ratelimit.New(hot)
	detector := anomaly.New(hot)
	validator := fingerprint.NewValidator(hot)
	bot := fingerprint.NewBotDetector(hot)
	auditLog := audit.New(hot)
	bus := eventbus.New(hot, "node-1")
	eng := New(hot, staticPolicy{policy.DefaultTenantPolicy()}, limiter, detector, validator, bot, auditLog, bus, testLogger(), "node-1", FailClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	decision, err := eng.Analyze(ctx, baseProfile())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if decision.Action != ActionBlock || decision.ThreatScore != 100 {
		t.Fatalf("decision = %+v, want block/score=100 under fail-closed", decision)
	}
}

func TestBlacklistWhitelist_ListAndRemove(t *testing.T) {
	eng, _ := newTestEngine(t, policy.DefaultTenantPolicy())
	ctx := context.Background()

	if err := eng.AddToBlacklist(ctx, "tenant-a", "1.1.1.1", time.Hour); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}
	if err := eng.AddToBlacklist(ctx, "tenant-a", "2.2.2.2", time.Hour); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}

	list, err := eng.ListBlacklist(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListBlacklist: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(list))
	}

	if err := eng.RemoveFromBlacklist(ctx, "tenant-a", "1.1.1.1"); err != nil {
		t.Fatalf("RemoveFromBlacklist: %v", err)
	}
	list, err = eng.ListBlacklist(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("ListBlacklist after remove: %v", err)
	}
	if len(list) != 1 || list[0] != "2.2.2.2" {
		t.Fatalf("list = %v, want only 2.2.2.2", list)
	}
}

// failingHotStore wraps kvtest.HotStore and fails every scoring-path call,
// used to exercise the engine's per-stage degrade-not-fail behavior (spec
// §7).
type failingHotStore struct {
	*kvtest.HotStore
}

func (f *failingHotStore) ListRange(ctx context.Context, key string, limit int) ([]string, error) {
	return nil, errBoom
}

func (f *failingHotStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	return errBoom
}

var errBoom = errTestBoom("boom")

type errTestBoom string

func (e errTestBoom) Error() string { return string(e) }
