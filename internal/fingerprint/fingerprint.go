// Package fingerprint implements the Fingerprint & Bot Module (spec §4.D):
// browser-fingerprint validation, bot scoring, the JS challenge lifecycle,
// and the trusted-device store, grounded on
// original_source/js-defense/js_defense.py.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BrowserFingerprint is the set of values reported by the in-page script
// (spec §3).
type BrowserFingerprint struct {
	UserAgent   string  `json:"user_agent"`
	Language    string  `json:"language"`
	Platform    string  `json:"platform"`
	ScreenSize  string  `json:"screen_size"`
	Timezone    string  `json:"timezone"`
	CanvasHash  string  `json:"canvas_hash"`
	WebGLHash   string  `json:"webgl_hash"`
	Plugins     string  `json:"plugins"`
	ClientTime  float64 `json:"client_timestamp"` // unix seconds, client clock
}

// Hash computes the SHA-256 identity of the fingerprint over the sorted
// field dump (spec §3: "Identity = SHA-256 over the sorted field dump").
func (f BrowserFingerprint) Hash() string {
	fields := map[string]string{
		"user_agent":  f.UserAgent,
		"language":    f.Language,
		"platform":    f.Platform,
		"screen_size": f.ScreenSize,
		"timezone":    f.Timezone,
		"canvas_hash": f.CanvasHash,
		"webgl_hash":  f.WebGLHash,
		"plugins":     f.Plugins,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]string, len(fields))
	for _, k := range keys {
		ordered[k] = fields[k]
	}
	buf, _ := json.Marshal(ordered)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// degenerateScreenValidation is the validation-path degenerate-screen set
// (spec §4.D, §8: "degenerate screen size in {0x0,1x1}"; js_defense.py:95
// validate_fingerprint uses ['0x0','1x1']).
func degenerateScreenValidation(size string) bool {
	switch size {
	case "0x0", "1x1":
		return true
	default:
		return false
	}
}

// degenerateScreenBot is the bot-detection-path degenerate-screen set,
// which also treats an unreported screen as degenerate
// (js_defense.py:231 detect_bot uses ['0x0','1x1','unknown']).
func degenerateScreenBot(size string) bool {
	switch size {
	case "0x0", "1x1", "unknown":
		return true
	default:
		return false
	}
}

var headlessKeywords = []string{"headless", "phantom", "zombie", "puppeteer", "jsdom"}

// hotStore is the subset of kv.HotStore the validator/bot detector need.
type hotStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// ValidationResult is the outcome of fingerprint consistency validation
// (spec §4.D).
type ValidationResult struct {
	Valid    bool
	Score    float64
	Reasons  []string
	FPHash   string
}

// cacheTTL is how long the cached UA/fingerprint comparison baseline lasts
// per (client_ip, user_id) (spec §4.D: "each TTL 1 hour").
const cacheTTL = time.Hour

// Validator compares an incoming fingerprint against the cached baseline
// for (client_ip, user_id).
type Validator struct {
	hot hotStore
}

// NewValidator creates a Validator over the given Hot KV store.
func NewValidator(hot hotStore) *Validator {
	return &Validator{hot: hot}
}

// Validate scores fingerprint consistency starting from 100 and deducting
// per spec §4.D, returning valid = score >= 60.
func (v *Validator) Validate(ctx context.Context, fp BrowserFingerprint, clientIP, userID string, now time.Time) (ValidationResult, error) {
	score := 100.0
	var reasons []string

	uaKey := fmt.Sprintf("ua_cache:%s:%s", clientIP, userID)
	cachedUA, found, err := v.hot.Get(ctx, uaKey)
	if err != nil {
		return ValidationResult{}, err
	}
	if found && cachedUA != fp.UserAgent {
		score -= 20
		reasons = append(reasons, "user_agent_mismatch")
	} else if err := v.hot.Set(ctx, uaKey, fp.UserAgent, cacheTTL); err != nil {
		return ValidationResult{}, err
	}

	hash := fp.Hash()
	fpKey := fmt.Sprintf("fingerprint_cache:%s:%s", clientIP, userID)
	cachedHash, found, err := v.hot.Get(ctx, fpKey)
	if err != nil {
		return ValidationResult{}, err
	}
	if found && cachedHash != hash {
		score -= 15
		reasons = append(reasons, "fingerprint_hash_mismatch")
	} else if err := v.hot.Set(ctx, fpKey, hash, cacheTTL); err != nil {
		return ValidationResult{}, err
	}

	skew := now.Sub(time.Unix(int64(fp.ClientTime), 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > 10*time.Second {
		score -= 10
		reasons = append(reasons, "client_timestamp_skew")
	}

	if degenerateScreenValidation(fp.ScreenSize) {
		score -= 25
		reasons = append(reasons, "degenerate_screen_size")
	}
	if fp.CanvasHash == "" {
		score -= 30
		reasons = append(reasons, "empty_canvas_hash")
	}
	if fp.WebGLHash == "" {
		score -= 20
		reasons = append(reasons, "empty_webgl_hash")
	}
	if fp.Plugins == "" {
		score -= 15
		reasons = append(reasons, "empty_plugin_string")
	}

	return ValidationResult{
		Valid:   score >= 60,
		Score:   score,
		Reasons: reasons,
		FPHash:  hash,
	}, nil
}

// cadenceStore is the ring-based subset of kv.HotStore the bot detector
// needs to evaluate arrival cadence.
type cadenceStore interface {
	ListPush(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error
	ListRange(ctx context.Context, key string, limit int) ([]string, error)
}

// BotResult is the outcome of bot scoring (spec §4.D).
type BotResult struct {
	IsBot   bool
	Score   float64
	Reasons []string
}

const botCadenceSamples = 5

// BotDetector scores fingerprint + arrival cadence for bot indicators,
// independent of Validator.
type BotDetector struct {
	hot cadenceStore
}

// NewBotDetector creates a BotDetector over the given Hot KV store.
func NewBotDetector(hot cadenceStore) *BotDetector {
	return &BotDetector{hot: hot}
}

// Detect scores fp plus recent arrival cadence for (clientIP, userID),
// returning is_bot = score >= 50 (spec §4.D).
func (b *BotDetector) Detect(ctx context.Context, fp BrowserFingerprint, clientIP, userID string, now time.Time) (BotResult, error) {
	var score float64
	var reasons []string

	if len(fp.CanvasHash) < 20 {
		score += 25
		reasons = append(reasons, "canvas_missing_or_short")
	}
	if fp.WebGLHash == "" {
		score += 20
		reasons = append(reasons, "webgl_missing")
	}
	lowerUA := strings.ToLower(fp.UserAgent)
	for _, kw := range headlessKeywords {
		if strings.Contains(lowerUA, kw) {
			score += 30
			reasons = append(reasons, "headless_user_agent")
			break
		}
	}
	if degenerateScreenBot(fp.ScreenSize) {
		score += 25
		reasons = append(reasons, "degenerate_screen_size")
	}

	key := fmt.Sprintf("bot_detection:%s:%s", clientIP, userID)
	timestamps, err := b.hot.ListRange(ctx, key, botCadenceSamples)
	if err != nil {
		return BotResult{}, err
	}
	if len(timestamps) >= botCadenceSamples {
		if avg, ok := meanInterArrivalSeconds(timestamps); ok && avg < 50*time.Millisecond {
			score += 20
			reasons = append(reasons, "rapid_requests")
		}
	}
	if err := b.hot.ListPush(ctx, key, formatUnixNano(now), 10, time.Hour); err != nil {
		return BotResult{}, err
	}

	if fp.Plugins == "" {
		score += 15
		reasons = append(reasons, "no_plugins")
	}

	skew := now.Sub(time.Unix(int64(fp.ClientTime), 0))
	if skew < 0 {
		skew = -skew
	}
	if fp.ClientTime != 0 && skew > 60*time.Second {
		score += 10
		reasons = append(reasons, "timestamp_anomaly")
	}

	return BotResult{IsBot: score >= 50, Score: score, Reasons: reasons}, nil
}

func formatUnixNano(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}

func meanInterArrivalSeconds(timestamps []string) (time.Duration, bool) {
	if len(timestamps) < 2 {
		return 0, false
	}
	var total int64
	n := 0
	for i := 0; i < len(timestamps)-1; i++ {
		var a, bb int64
		if _, err := fmt.Sscanf(timestamps[i], "%d", &a); err != nil {
			continue
		}
		if _, err := fmt.Sscanf(timestamps[i+1], "%d", &bb); err != nil {
			continue
		}
		diff := a - bb
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
