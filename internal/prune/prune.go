// Package prune implements the bucketed retention policy of spec.md §4.G:
// keep the newest N snapshots per bucket (last/hourly/daily/weekly/monthly/
// yearly), prune everything else, and always keep protected snapshots for
// free. The bucket-walk itself is a pure function over a snapshot list, in
// the same pure-decision shape as the teacher's chunk.RetentionPolicy
// (internal/chunk/retention.go) — no IO, no locks, no mutation.
package prune

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"pbscore/internal/datastore"
)

// ErrEmptyPolicy is returned when every keep bucket is unset — spec.md §4.G:
// "the policy 'keeps nothing' is not allowed".
var ErrEmptyPolicy = errors.New("prune: empty policy")

// bucketOrder is the priority order in which buckets claim a snapshot,
// per spec.md §4.G: "[last, hourly, daily, weekly, monthly, yearly]".
var bucketOrder = []string{"last", "hourly", "daily", "weekly", "monthly", "yearly"}

// Options names the keep-count for each retention bucket. Zero means unset
// (the bucket claims nothing).
type Options struct {
	Last    int
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
	Yearly  int
}

func (o Options) isEmpty() bool {
	return o.Last <= 0 && o.Hourly <= 0 && o.Daily <= 0 && o.Weekly <= 0 && o.Monthly <= 0 && o.Yearly <= 0
}

func (o Options) limit(bucket string) int {
	switch bucket {
	case "last":
		return o.Last
	case "hourly":
		return o.Hourly
	case "daily":
		return o.Daily
	case "weekly":
		return o.Weekly
	case "monthly":
		return o.Monthly
	case "yearly":
		return o.Yearly
	default:
		return 0
	}
}

// bucketKey returns the bucket key for snapshot ts under the named bucket,
// and ordinal is the snapshot's rank in the newest-first walk (used as the
// "last" bucket's key, since "last" has no calendar period of its own).
func bucketKey(bucket string, ts time.Time, ordinal int) string {
	ts = ts.UTC()
	switch bucket {
	case "last":
		return fmt.Sprintf("last-%d", ordinal)
	case "hourly":
		return ts.Format("2006-01-02T15")
	case "daily":
		return ts.Format("2006-01-02")
	case "weekly":
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case "monthly":
		return ts.Format("2006-01")
	case "yearly":
		return ts.Format("2006")
	default:
		return ""
	}
}

// Entry is one snapshot's prune disposition.
type Entry struct {
	Timestamp time.Time
	Protected bool
	Keep      bool
	KeptBy    []string // bucket name(s) that claimed this snapshot, or "protected"
}

// Plan computes the keep/remove mark for every snapshot in snapshots (any
// order) without touching disk. protected reports whether a given timestamp
// carries the protection marker. Returns ErrEmptyPolicy if every bucket in
// opts is unset.
func Plan(snapshots []time.Time, protected func(time.Time) bool, opts Options) ([]Entry, error) {
	if opts.isEmpty() {
		return nil, ErrEmptyPolicy
	}

	newestFirst := append([]time.Time(nil), snapshots...)
	sort.Slice(newestFirst, func(i, j int) bool { return newestFirst[i].After(newestFirst[j]) })

	entries := make(map[time.Time]*Entry, len(newestFirst))
	for _, ts := range newestFirst {
		entries[ts] = &Entry{Timestamp: ts, Protected: protected != nil && protected(ts)}
	}

	seen := make(map[string]map[string]bool, len(bucketOrder))
	counts := make(map[string]int, len(bucketOrder))
	for _, b := range bucketOrder {
		seen[b] = make(map[string]bool)
	}

	for ordinal, ts := range newestFirst {
		e := entries[ts]
		if e.Protected {
			e.Keep = true
			e.KeptBy = append(e.KeptBy, "protected")
			continue
		}
		for _, bucket := range bucketOrder {
			limit := opts.limit(bucket)
			if limit <= 0 {
				continue
			}
			key := bucketKey(bucket, ts, ordinal)
			if seen[bucket][key] || counts[bucket] >= limit {
				continue
			}
			seen[bucket][key] = true
			counts[bucket]++
			e.Keep = true
			e.KeptBy = append(e.KeptBy, bucket)
		}
	}

	out := make([]Entry, len(newestFirst))
	for i, ts := range newestFirst {
		out[i] = *entries[ts]
	}
	return out, nil
}

// Result is the outcome of an Execute call: the plan that was computed, and
// (for a real run) per-snapshot destroy errors, accumulated rather than
// fatal (spec.md §7: "per-snapshot delete errors are logged and
// accumulated, not fatal").
type Result struct {
	Plan   []Entry
	Errors map[time.Time]error
}

// Execute plans prune marks for group g's snapshots and, unless dryRun,
// destroys every unmarked snapshot oldest-first via
// Store.DestroySnapshot(force=false).
func Execute(ds *datastore.Store, g datastore.GroupID, opts Options, dryRun bool) (*Result, error) {
	snaps, err := ds.ListSnapshots(g)
	if err != nil {
		return nil, fmt.Errorf("prune: list snapshots: %w", err)
	}

	plan, err := Plan(snaps, func(ts time.Time) bool { return ds.IsProtected(g, ts) }, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{Plan: plan}
	if dryRun {
		return result, nil
	}

	var toRemove []time.Time
	for _, e := range plan {
		if !e.Keep {
			toRemove = append(toRemove, e.Timestamp)
		}
	}
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i].Before(toRemove[j]) })

	for _, ts := range toRemove {
		if err := ds.DestroySnapshot(g, ts, false); err != nil {
			if result.Errors == nil {
				result.Errors = make(map[time.Time]error)
			}
			result.Errors[ts] = err
		}
	}
	return result, nil
}
