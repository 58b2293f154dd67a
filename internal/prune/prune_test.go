package prune

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts.UTC()
}

func keepMap(entries []Entry) map[time.Time]bool {
	m := make(map[time.Time]bool, len(entries))
	for _, e := range entries {
		m[e.Timestamp] = e.Keep
	}
	return m
}

func TestPlanRejectsEmptyPolicy(t *testing.T) {
	snaps := []time.Time{mustParse(t, "2026-01-01T00:00:00Z")}
	_, err := Plan(snaps, nil, Options{})
	if err != ErrEmptyPolicy {
		t.Fatalf("got %v, want ErrEmptyPolicy", err)
	}
}

func TestPlanKeepsNewestForLast(t *testing.T) {
	snaps := []time.Time{
		mustParse(t, "2026-01-01T00:00:00Z"),
		mustParse(t, "2026-01-02T00:00:00Z"),
		mustParse(t, "2026-01-03T00:00:00Z"),
	}
	entries, err := Plan(snaps, nil, Options{Last: 2})
	if err != nil {
		t.Fatal(err)
	}
	keep := keepMap(entries)
	if !keep[snaps[1]] || !keep[snaps[2]] {
		t.Errorf("expected the two newest snapshots kept, got %+v", keep)
	}
	if keep[snaps[0]] {
		t.Errorf("expected oldest snapshot pruned, got kept")
	}
}

func TestPlanDailyBucketKeepsOnePerCalendarDay(t *testing.T) {
	snaps := []time.Time{
		mustParse(t, "2026-01-01T08:00:00Z"),
		mustParse(t, "2026-01-01T20:00:00Z"),
		mustParse(t, "2026-01-02T08:00:00Z"),
	}
	entries, err := Plan(snaps, nil, Options{Daily: 2})
	if err != nil {
		t.Fatal(err)
	}
	keep := keepMap(entries)
	if !keep[snaps[2]] {
		t.Errorf("expected 2026-01-02 snapshot kept")
	}
	if !keep[snaps[1]] {
		t.Errorf("expected newest 2026-01-01 snapshot kept (first seen in newest-first walk)")
	}
	if keep[snaps[0]] {
		t.Errorf("expected earlier same-day snapshot pruned (bucket key already seen)")
	}
}

func TestPlanWeeklyBucketUsesISOWeek(t *testing.T) {
	// 2026-01-01 is a Thursday, ISO week 1; 2025-12-29 is a Monday, same ISO week.
	snaps := []time.Time{
		mustParse(t, "2025-12-29T00:00:00Z"),
		mustParse(t, "2026-01-01T00:00:00Z"),
	}
	entries, err := Plan(snaps, nil, Options{Weekly: 1})
	if err != nil {
		t.Fatal(err)
	}
	keep := keepMap(entries)
	if !keep[snaps[1]] {
		t.Errorf("expected newer same-ISO-week snapshot kept")
	}
	if keep[snaps[0]] {
		t.Errorf("expected older same-ISO-week snapshot pruned, both share one weekly slot")
	}
}

func TestPlanProtectedSnapshotAlwaysKeptAndFreeOfQuota(t *testing.T) {
	snaps := []time.Time{
		mustParse(t, "2026-01-01T00:00:00Z"),
		mustParse(t, "2026-01-02T00:00:00Z"),
		mustParse(t, "2026-01-03T00:00:00Z"),
	}
	protected := func(ts time.Time) bool { return ts.Equal(snaps[0]) }

	entries, err := Plan(snaps, protected, Options{Last: 1})
	if err != nil {
		t.Fatal(err)
	}
	keep := keepMap(entries)
	if !keep[snaps[0]] {
		t.Errorf("expected protected snapshot kept regardless of bucket marks")
	}
	if !keep[snaps[2]] {
		t.Errorf("expected newest snapshot kept by last=1")
	}
	if keep[snaps[1]] {
		t.Errorf("expected middle snapshot pruned")
	}

	for _, e := range entries {
		if e.Timestamp.Equal(snaps[0]) {
			if len(e.KeptBy) != 1 || e.KeptBy[0] != "protected" {
				t.Errorf("expected KeptBy=[protected] for protected snapshot, got %v", e.KeptBy)
			}
		}
	}
}

func TestPlanSnapshotCanBeKeptByMultipleBuckets(t *testing.T) {
	snaps := []time.Time{mustParse(t, "2026-01-01T00:00:00Z")}
	entries, err := Plan(snaps, nil, Options{Last: 1, Daily: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries[0].KeptBy) != 2 {
		t.Errorf("expected snapshot kept by both last and daily, got %v", entries[0].KeptBy)
	}
}

func TestPlanIsDeterministicRegardlessOfInputOrder(t *testing.T) {
	a := mustParse(t, "2026-01-01T00:00:00Z")
	b := mustParse(t, "2026-01-02T00:00:00Z")
	c := mustParse(t, "2026-01-03T00:00:00Z")

	opts := Options{Last: 2}
	e1, err := Plan([]time.Time{a, b, c}, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := Plan([]time.Time{c, a, b}, nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if keepMap(e1)[a] != keepMap(e2)[a] || keepMap(e1)[b] != keepMap(e2)[b] || keepMap(e1)[c] != keepMap(e2)[c] {
		t.Errorf("plan depends on input order: %+v vs %+v", e1, e2)
	}
}
