package fingerprint

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/cdndefense/internal/kv/kvtest"
)

func goodFingerprint() BrowserFingerprint {
	return BrowserFingerprint{
		UserAgent:  "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15) Chrome/120",
		Language:   "en-US",
		Platform:   "MacIntel",
		ScreenSize: "1920x1080",
		Timezone:   "America/New_York",
		CanvasHash: "a1b2c3d4e5f6a1b2c3d4e5f6",
		WebGLHash:  "f6e5d4c3b2a1f6e5d4c3b2a1",
		Plugins:    "pdf,flash",
	}
}

func TestHash_DeterministicForIdenticalFingerprints(t *testing.T) {
	fp := goodFingerprint()
	if fp.Hash() != fp.Hash() {
		t.Fatal("Hash is not deterministic for identical fingerprints")
	}
}

func TestHash_DiffersOnChange(t *testing.T) {
	a := goodFingerprint()
	b := goodFingerprint()
	b.CanvasHash = "different"
	if a.Hash() == b.Hash() {
		t.Fatal("Hash did not change when canvas_hash changed")
	}
}

func TestValidate_FirstContactIsValid(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	v := NewValidator(hot)
	fp := goodFingerprint()
	now := time.Now()
	fp.ClientTime = float64(now.Unix())

	result, err := v.Validate(context.Background(), fp, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("Valid = false for a clean first-contact fingerprint, score=%v reasons=%v", result.Score, result.Reasons)
	}
}

func TestValidate_UserAgentMismatchDeductsAndFlags(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	v := NewValidator(hot)
	now := time.Now()

	fp1 := goodFingerprint()
	fp1.ClientTime = float64(now.Unix())
	if _, err := v.Validate(context.Background(), fp1, "1.2.3.4", "user-1", now); err != nil {
		t.Fatalf("first Validate: %v", err)
	}

	fp2 := fp1
	fp2.UserAgent = "curl/8.0"
	result, err := v.Validate(context.Background(), fp2, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("second Validate: %v", err)
	}
	found := false
	for _, r := range result.Reasons {
		if r == "user_agent_mismatch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons = %v, want user_agent_mismatch", result.Reasons)
	}
}

func TestValidate_EmptyOptionalFieldsDeductScore(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	v := NewValidator(hot)
	now := time.Now()

	fp := BrowserFingerprint{UserAgent: "curl/8.0", ClientTime: float64(now.Unix())}
	result, err := v.Validate(context.Background(), fp, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Valid {
		t.Fatalf("Valid = true for a bare-minimum fingerprint missing canvas/webgl/plugins, score=%v", result.Score)
	}
}

func TestValidate_UnknownScreenSizeIsNotDegenerate(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	v := NewValidator(hot)
	now := time.Now()

	fp := goodFingerprint()
	fp.ScreenSize = "unknown"
	fp.ClientTime = float64(now.Unix())

	result, err := v.Validate(context.Background(), fp, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, r := range result.Reasons {
		if r == "degenerate_screen_size" {
			t.Fatalf("screen_size=unknown incurred the validation degenerate-screen penalty, reasons=%v", result.Reasons)
		}
	}
}

func TestBotDetector_UnknownScreenSizeIsDegenerate(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	b := NewBotDetector(hot)
	now := time.Now()

	fp := goodFingerprint()
	fp.ScreenSize = "unknown"
	fp.ClientTime = float64(now.Unix())

	result, err := b.Detect(context.Background(), fp, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	found := false
	for _, r := range result.Reasons {
		if r == "degenerate_screen_size" {
			found = true
		}
	}
	if !found {
		t.Fatalf("screen_size=unknown did not incur the bot degenerate-screen penalty, reasons=%v", result.Reasons)
	}
}

func TestBotDetector_CleanBrowserIsNotBot(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	b := NewBotDetector(hot)
	fp := goodFingerprint()
	now := time.Now()
	fp.ClientTime = float64(now.Unix())

	result, err := b.Detect(context.Background(), fp, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result.IsBot {
		t.Fatalf("IsBot = true for a clean browser fingerprint, score=%v reasons=%v", result.Score, result.Reasons)
	}
}

func TestBotDetector_HeadlessUserAgentFlagged(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	b := NewBotDetector(hot)
	fp := goodFingerprint()
	fp.UserAgent = "Mozilla/5.0 HeadlessChrome/120"
	fp.WebGLHash = "" // headless (+30) + empty webgl (+20) reaches 50
	now := time.Now()
	fp.ClientTime = float64(now.Unix())

	result, err := b.Detect(context.Background(), fp, "1.2.3.4", "user-1", now)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if !result.IsBot {
		t.Fatalf("IsBot = false for a headless user-agent + missing signals, score=%v", result.Score)
	}
}

func TestBotDetector_RapidCadenceFlagsBot(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	b := NewBotDetector(hot)
	fp := goodFingerprint()
	// Empty webgl (+20) and plugins (+15) score 35, short of 50 until the
	// cadence signal (+20) fires.
	fp.WebGLHash = ""
	fp.Plugins = ""
	base := time.Now()
	fp.ClientTime = float64(base.Unix())

	var result BotResult
	var err error
	for i := 0; i < botCadenceSamples+1; i++ {
		result, err = b.Detect(context.Background(), fp, "1.2.3.4", "user-1", base.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("Detect iteration %d: %v", i, err)
		}
	}
	if !result.IsBot {
		t.Fatalf("IsBot = false after %d 1ms-spaced requests, score=%v reasons=%v", botCadenceSamples+1, result.Score, result.Reasons)
	}
}
