package fingerprint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/cdndefense/internal/defenseerr"
)

// ChallengeExpiry is the default JS challenge lifetime (spec §3: "default
// +300 s").
const ChallengeExpiry = 300 * time.Second

// redeemedTombstone replaces a challenge record's value once it has been
// redeemed, so a second Redeem of the same id can be told apart from an id
// that never existed or whose TTL lapsed naturally (spec §8 round-trip
// law: "a second verify of the same id returns ChallengeInvalid"). It is
// kept, not deleted, for ChallengeExpiry so the distinction survives for
// as long as the original record could plausibly still be referenced;
// Hot KV's TTL then reclaims it (spec §5).
const redeemedTombstone = "\x00redeemed"

// JSChallenge is a server-minted, single-use challenge record (spec §3).
type JSChallenge struct {
	ID        string    `json:"id"`
	ClientIP  string    `json:"client_ip"`
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// challengeStore is the subset of kv.HotStore the challenge lifecycle uses.
type challengeStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// ChallengeStore issues and redeems JS challenges (spec §4.D state
// machine: issued -> passed | expired | failed).
type ChallengeStore struct {
	hot       challengeStore
	validator *Validator
	bot       *BotDetector
	trust     *TrustStore
}

// NewChallengeStore creates a ChallengeStore wired to the given validator,
// bot detector, and trust store.
func NewChallengeStore(hot challengeStore, validator *Validator, bot *BotDetector, trust *TrustStore) *ChallengeStore {
	return &ChallengeStore{hot: hot, validator: validator, bot: bot, trust: trust}
}

func challengeKey(id string) string { return "js_challenge:" + id }

// Issue mints a new fingerprint-kind JS challenge for (clientIP, userID,
// tenantID).
func (c *ChallengeStore) Issue(ctx context.Context, clientIP, userID, tenantID string, now time.Time) (*JSChallenge, error) {
	ch := &JSChallenge{
		ID:        uuid.New().String(),
		ClientIP:  clientIP,
		UserID:    userID,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(ChallengeExpiry),
	}
	buf, err := json.Marshal(ch)
	if err != nil {
		return nil, defenseerr.Wrap(defenseerr.Internal, "marshaling challenge", err)
	}
	if err := c.hot.Set(ctx, challengeKey(ch.ID), string(buf), ChallengeExpiry); err != nil {
		return nil, err
	}
	return ch, nil
}

// RedeemResult is the outcome of redeeming a JS challenge.
type RedeemResult struct {
	Passed          bool
	FingerprintScore float64
	BotScore         float64
	Reason           string
}

// Redeem validates a challenge response. It is single-use: the record is
// replaced by a tombstone (kept for ChallengeExpiry) whether the response
// passes or fails, so a repeat redeem returns ChallengeInvalid rather
// than ChallengeExpired. A bot detection positive always fails the
// challenge regardless of fingerprint score; a pass optionally auto-enrolls
// the device in the trust store when autoTrust is set.
func (c *ChallengeStore) Redeem(ctx context.Context, challengeID string, fp BrowserFingerprint, now time.Time, autoTrust bool) (RedeemResult, error) {
	raw, found, err := c.hot.Get(ctx, challengeKey(challengeID))
	if err != nil {
		return RedeemResult{}, err
	}
	if !found {
		return RedeemResult{}, defenseerr.New(defenseerr.ChallengeExpired, "challenge not found or expired")
	}
	if raw == redeemedTombstone {
		return RedeemResult{}, defenseerr.New(defenseerr.ChallengeInvalid, "challenge already redeemed")
	}

	var ch JSChallenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return RedeemResult{}, defenseerr.Wrap(defenseerr.Internal, "unmarshaling challenge", err)
	}

	// Single-use: tombstone before evaluating so a second concurrent redeem
	// of the same id is rejected (as ChallengeInvalid, not a plain miss)
	// even if this one is mid-flight.
	if err := c.hot.Set(ctx, challengeKey(challengeID), redeemedTombstone, ChallengeExpiry); err != nil {
		return RedeemResult{}, err
	}

	if now.After(ch.ExpiresAt) {
		return RedeemResult{}, defenseerr.New(defenseerr.ChallengeExpired, "challenge expired")
	}

	validation, err := c.validator.Validate(ctx, fp, ch.ClientIP, ch.UserID, now)
	if err != nil {
		return RedeemResult{}, err
	}
	bot, err := c.bot.Detect(ctx, fp, ch.ClientIP, ch.UserID, now)
	if err != nil {
		return RedeemResult{}, err
	}

	if bot.IsBot {
		return RedeemResult{
			Passed:           false,
			FingerprintScore: validation.Score,
			BotScore:         bot.Score,
			Reason:           "bot_detected",
		}, nil
	}

	if !validation.Valid {
		return RedeemResult{
			Passed:           false,
			FingerprintScore: validation.Score,
			BotScore:         bot.Score,
			Reason:           "fingerprint_invalid",
		}, nil
	}

	if autoTrust && c.trust != nil {
		if err := c.trust.Trust(ctx, ch.UserID, fp, ch.ClientIP, now); err != nil {
			return RedeemResult{}, err
		}
	}

	return RedeemResult{
		Passed:           true,
		FingerprintScore: validation.Score,
		BotScore:         bot.Score,
		Reason:           "passed",
	}, nil
}

// GenerateMathChallenge mints a math-kind challenge. Nothing in the
// service selects it from a tenant's challenge_kind; no handler or engine
// path calls it (supplemented from
// original_source/js-defense/js_defense.py's ChallengeGenerator
// .generate_math_challenge; see SPEC_FULL.md §4).
func GenerateMathChallenge(a, b int, op string, now time.Time) (question, answerHash string, expiresAt time.Time) {
	var answer int
	switch op {
	case "+":
		answer = a + b
	case "-":
		answer = a - b
	default:
		op = "*"
		answer = a * b
	}
	question = fmt.Sprintf("%d %s %d = ?", a, op, b)
	sum := sha256Hex(fmt.Sprintf("%d%d", answer, now.UnixNano()))
	return question, sum, now.Add(ChallengeExpiry)
}

// GeneratePuzzleChallenge mints a puzzle-kind challenge (supplemented,
// same source as GenerateMathChallenge).
func GeneratePuzzleChallenge(now time.Time) (puzzleID, background, slider string, expiresAt time.Time) {
	puzzleID = sha256Hex(fmt.Sprintf("%d", now.UnixNano()))[:8]
	return puzzleID,
		"/api/puzzle/" + puzzleID + "/bg",
		"/api/puzzle/" + puzzleID + "/slider",
		now.Add(ChallengeExpiry)
}
