package nodesync

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/wisbric/cdndefense/internal/configstore"
	"github.com/wisbric/cdndefense/internal/kv/kvtest"
	"github.com/wisbric/cdndefense/internal/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestSynchronizer_InitialScanPopulatesCache(t *testing.T) {
	cold := kvtest.NewColdStore()
	store := configstore.New(cold)
	if err := store.SetTenantPolicy(context.Background(), "tenant-a", policy.DefaultTenantPolicy()); err != nil {
		t.Fatalf("SetTenantPolicy: %v", err)
	}

	sync := New(cold, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sync.Run(ctx)

	waitFor(t, time.Second, func() bool {
		_, err := sync.LookupPolicy("tenant-a")
		return err == nil
	})
}

func TestSynchronizer_WatchPropagatesPuts(t *testing.T) {
	cold := kvtest.NewColdStore()
	store := configstore.New(cold)

	sync := New(cold, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sync.Run(ctx)

	waitFor(t, time.Second, func() bool { return sync.Status().WatchOK })

	if err := store.SetTenantPolicy(context.Background(), "tenant-b", policy.DefaultTenantPolicy()); err != nil {
		t.Fatalf("SetTenantPolicy: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		_, err := sync.LookupPolicy("tenant-b")
		return err == nil
	})
}

func TestSynchronizer_NotifiesListenersOnChange(t *testing.T) {
	cold := kvtest.NewColdStore()
	store := configstore.New(cold)

	sync := New(cold, testLogger())
	changes := make(chan Change, 8)
	sync.OnChange(func(c Change) { changes <- c })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sync.Run(ctx)

	waitFor(t, time.Second, func() bool { return sync.Status().WatchOK })

	if err := store.SetTenantPolicy(context.Background(), "tenant-c", policy.DefaultTenantPolicy()); err != nil {
		t.Fatalf("SetTenantPolicy: %v", err)
	}

	select {
	case change := <-changes:
		if change.Kind != ChangeTenantPolicy || change.ID != "tenant-c" {
			t.Fatalf("change = %+v, want {ChangeTenantPolicy tenant-c false}", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestSynchronizer_RecoversAfterWatchBreak(t *testing.T) {
	cold := kvtest.NewColdStore()
	store := configstore.New(cold)

	sync := New(cold, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sync.Run(ctx)

	waitFor(t, time.Second, func() bool { return sync.Status().WatchOK })

	cold.Break()

	waitFor(t, 2*time.Second, func() bool { return sync.Status().WatchOK })

	if err := store.SetTenantPolicy(context.Background(), "tenant-d", policy.DefaultTenantPolicy()); err != nil {
		t.Fatalf("SetTenantPolicy: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, err := sync.LookupPolicy("tenant-d")
		return err == nil
	})
}

func TestSynchronizer_RejectsInvalidPolicyOnInstall(t *testing.T) {
	cold := kvtest.NewColdStore()

	// Write a well-formed envelope carrying an invalid policy directly, bypassing configstore's own
	// Validate-before-write guard, to exercise the synchronizer's own
	// defense-in-depth check on install (spec §4.H).
	if _, err := cold.Put(context.Background(), "/cdn-defense/config/tenant-bad",
		`{"payload":{"js_challenge_threshold":90,"block_threshold":10},"updated_at":0,"version":0}`); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sync := New(cold, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sync.Run(ctx)

	// Give the scan a moment to run, then confirm the bad policy was never
	// installed.
	waitFor(t, time.Second, func() bool { return !sync.Status().LastSyncAt.IsZero() })
	if _, err := sync.LookupPolicy("tenant-bad"); err == nil {
		t.Fatal("invalid policy was installed into the cache")
	}
}

func TestSynchronizer_StatusReportsDegradedAfterThreshold(t *testing.T) {
	cold := kvtest.NewColdStore()
	sync := New(cold, testLogger())
	sync.brokenSince = time.Now().Add(-DegradedAfter - time.Second)
	sync.watchOK = false

	status := sync.Status()
	if !status.Degraded {
		t.Fatal("Degraded = false past DegradedAfter with a broken watch")
	}
}
