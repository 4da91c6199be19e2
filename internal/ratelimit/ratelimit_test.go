package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/cdndefense/internal/kv/kvtest"
)

func TestCheck_UnderLimit(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	for i := 0; i < 5; i++ {
		result, err := l.Check(context.Background(), "tenant-a", "1.2.3.4", 10, time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		if result.Limited {
			t.Fatalf("call %d: limited = true, want false (count=%d)", i, result.Count)
		}
	}
}

func TestCheck_ExceedsLimit(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	var last Result
	for i := 0; i < 6; i++ {
		var err error
		last, err = l.Check(context.Background(), "tenant-a", "1.2.3.4", 5, time.Minute)
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	if !last.Limited {
		t.Fatalf("Limited = false after exceeding limit, count=%d", last.Count)
	}
}

func TestCheck_SubjectsAreIsolated(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	for i := 0; i < 10; i++ {
		if _, err := l.Check(context.Background(), "tenant-a", "1.2.3.4", 5, time.Minute); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}

	result, err := l.Check(context.Background(), "tenant-a", "5.6.7.8", 5, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Limited {
		t.Fatalf("a different subject was limited by another subject's count")
	}
}

func TestCheck_TenantsAreIsolated(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	for i := 0; i < 10; i++ {
		if _, err := l.Check(context.Background(), "tenant-a", "1.2.3.4", 5, time.Minute); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}

	result, err := l.Check(context.Background(), "tenant-b", "1.2.3.4", 5, time.Minute)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Limited {
		t.Fatalf("tenant-b was limited by tenant-a's count")
	}
}
