package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/cdndefense/internal/kv/kvtest"
)

func TestScan_NoPatternsOnFirstRequest(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	d := New(hot)

	flags, err := d.Scan(context.Background(), "tenant-a", "1.2.3.4", "anonymous", "/", "curl/8.0", time.Now())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if flags.Any() {
		t.Fatalf("flags = %+v, want none on a single first-contact request", flags)
	}
}

func TestScan_RapidRequestsFires(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	d := New(hot)

	base := time.Now()
	var flags Flags
	var err error
	for i := 0; i < interArrivalSamples+1; i++ {
		flags, err = d.Scan(context.Background(), "tenant-a", "1.2.3.4", "anonymous", "/", "curl/8.0", base.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("Scan iteration %d: %v", i, err)
		}
	}
	if !flags.RapidRequests {
		t.Fatalf("RapidRequests = false after %d 1ms-spaced requests", interArrivalSamples+1)
	}
}

func TestScan_PathScanningFires(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	d := New(hot)

	now := time.Now()
	var flags Flags
	var err error
	for i := 0; i < pathScanThreshold+1; i++ {
		path := "/p" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		flags, err = d.Scan(context.Background(), "tenant-a", "1.2.3.4", "anonymous", path, "curl/8.0", now)
		if err != nil {
			t.Fatalf("Scan iteration %d: %v", i, err)
		}
	}
	if !flags.PathScanning {
		t.Fatalf("PathScanning = false after %d unique paths", pathScanThreshold+1)
	}
}

func TestScan_UASpoofingFires(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	d := New(hot)

	now := time.Now()
	var flags Flags
	var err error
	for i := 0; i < uaSpoofThreshold+1; i++ {
		ua := "agent-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		flags, err = d.Scan(context.Background(), "tenant-a", "1.2.3.4", "anonymous", "/", ua, now)
		if err != nil {
			t.Fatalf("Scan iteration %d: %v", i, err)
		}
	}
	if !flags.UASpoofing {
		t.Fatalf("UASpoofing = false after %d unique user-agents", uaSpoofThreshold+1)
	}
}

func TestSubjectKey_CollapsesAnonymousByIP(t *testing.T) {
	if subjectKey("1.2.3.4", "anonymous") != subjectKey("1.2.3.4", "anonymous") {
		t.Fatalf("subjectKey is not stable for identical inputs")
	}
	if subjectKey("1.2.3.4", "anonymous") == subjectKey("5.6.7.8", "anonymous") {
		t.Fatalf("subjectKey collapsed two different IPs")
	}
}

func TestMeanInterArrival(t *testing.T) {
	avg, ok := meanInterArrival([]string{"300", "200", "100"})
	if !ok {
		t.Fatal("meanInterArrival returned ok=false for a valid sample")
	}
	if avg != 100 {
		t.Fatalf("avg = %v, want 100", avg)
	}

	if _, ok := meanInterArrival([]string{"100"}); ok {
		t.Fatal("meanInterArrival should need at least two samples")
	}
}
