package audit

import (
	"context"
	"testing"
	"time"

	"github.com/wisbric/cdndefense/internal/kv/kvtest"
)

func TestAppendThenTail(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	l.Append(context.Background(), "tenant-a", Entry{RequestID: "r1", ClientIP: "1.2.3.4", Action: "allow", Timestamp: time.Now()})
	l.Append(context.Background(), "tenant-a", Entry{RequestID: "r2", ClientIP: "1.2.3.4", Action: "block", Timestamp: time.Now()})

	entries, err := l.Tail(context.Background(), "tenant-a", 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	// ListPush writes newest-first.
	if entries[0].RequestID != "r2" {
		t.Fatalf("entries[0].RequestID = %q, want r2 (newest first)", entries[0].RequestID)
	}
}

func TestTail_TenantsAreIsolated(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	l.Append(context.Background(), "tenant-a", Entry{RequestID: "r1", Action: "allow", Timestamp: time.Now()})
	l.Append(context.Background(), "tenant-b", Entry{RequestID: "r2", Action: "allow", Timestamp: time.Now()})

	entries, err := l.Tail(context.Background(), "tenant-a", 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "r1" {
		t.Fatalf("entries = %+v, want only r1", entries)
	}
}

func TestStatistics_AggregatesCounts(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	records := []Entry{
		{ClientIP: "1.1.1.1", Action: "allow", ThreatScore: 10},
		{ClientIP: "1.1.1.1", Action: "block", ThreatScore: 90},
		{ClientIP: "2.2.2.2", Action: "rate_limit", ThreatScore: 75},
		{ClientIP: "2.2.2.2", Action: "challenge", ThreatScore: 40},
	}
	for i := range records {
		records[i].Timestamp = time.Now()
		l.Append(context.Background(), "tenant-a", records[i])
	}

	stats, err := l.Statistics(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Total != 4 || stats.Blocked != 1 || stats.RateLimited != 1 || stats.Challenged != 1 || stats.Allowed != 1 {
		t.Fatalf("stats = %+v, want Total=4 with one of each action", stats)
	}
	wantAvg := (10.0 + 90.0 + 75.0 + 40.0) / 4.0
	if stats.AvgThreatScore != wantAvg {
		t.Fatalf("AvgThreatScore = %v, want %v", stats.AvgThreatScore, wantAvg)
	}
	if len(stats.TopIPs) != 2 {
		t.Fatalf("len(TopIPs) = %d, want 2", len(stats.TopIPs))
	}
	if stats.TopIPs[0].Count != 2 {
		t.Fatalf("TopIPs[0].Count = %d, want 2", stats.TopIPs[0].Count)
	}
}

func TestStatistics_EmptyRing(t *testing.T) {
	hot := kvtest.NewHotStore(nil)
	l := New(hot)

	stats, err := l.Statistics(context.Background(), "tenant-empty")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Total != 0 || stats.AvgThreatScore != 0 {
		t.Fatalf("stats = %+v, want zero values", stats)
	}
}
