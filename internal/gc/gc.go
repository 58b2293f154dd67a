// Package gc implements the two-phase mark-and-sweep garbage collector
// described in spec.md §4.F: Phase 1 touches every chunk reachable from a
// live index; Phase 2 removes chunks whose access time predates the start
// of Phase 1 by more than a grace window, so a backup racing the collector
// is never pruned out from under itself.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"pbscore/internal/chunkstore"
	"pbscore/internal/datastore"
	"pbscore/internal/digest"
	"pbscore/internal/index"
	"pbscore/internal/lock"
	"pbscore/internal/logging"
)

// GraceWindow is the default Phase 2 cutoff margin (spec.md §4.F: "1 day +
// 5 minutes (sufficient for clock skew and long backups)").
const GraceWindow = 24*time.Hour + 5*time.Minute

// defaultMarkConcurrency bounds the errgroup fan-out across index files
// during Phase 1.
const defaultMarkConcurrency = 4

// ErrDanglingReference is fatal during mark: an index references a chunk
// that isn't in the chunk store.
var ErrDanglingReference = errors.New("gc: dangling reference")

// Options configures a GC run. Zero-value Options uses spec.md's defaults.
type Options struct {
	GraceWindow     time.Duration
	MarkConcurrency int
	SweepRateLimit  rate.Limit // chunks/sec; 0 means unlimited
}

// Collector runs garbage collection over one datastore.
type Collector struct {
	ds  *datastore.Store
	log *slog.Logger
}

// New returns a Collector for ds.
func New(ds *datastore.Store, logger *slog.Logger) *Collector {
	return &Collector{ds: ds, log: logging.Default(logger).With("component", "gc")}
}

// Run executes one full GC pass: acquire the GC mutex and exclusive
// datastore lock, mark every reachable chunk, sweep everything whose atime
// predates (start - grace), and persist the resulting Status. A mark-phase
// read error or dangling reference aborts the run before any chunk is
// removed; a sweep-phase removal error is logged and counted, not fatal
// (spec.md §7).
func (c *Collector) Run(ctx context.Context, opts Options) (*Status, error) {
	grace := opts.GraceWindow
	if grace <= 0 {
		grace = GraceWindow
	}
	concurrency := opts.MarkConcurrency
	if concurrency <= 0 {
		concurrency = defaultMarkConcurrency
	}

	mutex, err := lock.AcquireExclusiveNonBlocking(c.ds.GCMutexPath())
	if err != nil {
		return nil, fmt.Errorf("gc: acquire mutex: %w", err)
	}
	defer mutex.Release()

	release := c.ds.LockExclusive()
	defer release()

	status := newStatus()
	tStart := status.StartedAt
	c.log.Info("gc started", "run_id", status.RunID)

	if err := c.mark(ctx, concurrency, status); err != nil {
		status.FinishedAt = time.Now()
		status.Err = err.Error()
		_ = WriteStatus(c.ds.Root(), status)
		c.log.Error("gc mark phase failed", "run_id", status.RunID, "error", err)
		return status, err
	}
	c.log.Info("gc mark phase complete", "run_id", status.RunID, "index_files", status.IndexFileCount)

	cutoff := tStart.Add(-grace)
	c.sweep(tStart, cutoff, opts.SweepRateLimit, status)
	status.FinishedAt = time.Now()

	if err := WriteStatus(c.ds.Root(), status); err != nil {
		c.log.Error("gc: failed to persist status", "run_id", status.RunID, "error", err)
	}
	c.log.Info("gc finished", "run_id", status.RunID,
		"removed_chunks", status.RemovedChunks, "removed_bytes", status.RemovedBytes,
		"pending_chunks", status.PendingChunks, "disk_chunks", status.DiskChunks)
	return status, nil
}

type indexFileRef struct {
	path string
	kind string // "fixed" or "dynamic"
}

// mark implements Phase 1: touch every chunk referenced by every index
// file of every snapshot of every group, fanning out across index files
// with a bounded errgroup.
func (c *Collector) mark(ctx context.Context, concurrency int, status *Status) error {
	refs, indexBytes, err := c.collectIndexFiles()
	if err != nil {
		return err
	}
	status.IndexFileCount = int64(len(refs))
	status.IndexDataBytes = indexBytes

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return c.markOne(ref)
		})
	}
	return g.Wait()
}

// collectIndexFiles walks every group's snapshots for index files and also
// sums their on-disk size, filling status.IndexDataBytes (spec.md §4.F)
// without a second directory pass.
func (c *Collector) collectIndexFiles() ([]indexFileRef, int64, error) {
	groups, err := c.ds.ListGroups()
	if err != nil {
		return nil, 0, fmt.Errorf("gc: list groups: %w", err)
	}

	var refs []indexFileRef
	var totalBytes int64
	for _, g := range groups {
		snaps, err := c.ds.ListSnapshots(g)
		if err != nil {
			return nil, 0, fmt.Errorf("gc: list snapshots for %s: %w", g, err)
		}
		for _, ts := range snaps {
			dir := c.ds.SnapshotDir(g, ts)
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, 0, fmt.Errorf("gc: read snapshot dir %s: %w", dir, err)
			}
			for _, e := range entries {
				name := e.Name()
				var kind string
				switch {
				case strings.HasSuffix(name, ".fidx"):
					kind = "fixed"
				case strings.HasSuffix(name, ".didx"):
					kind = "dynamic"
				default:
					continue
				}
				refs = append(refs, indexFileRef{path: filepath.Join(dir, name), kind: kind})
				if info, err := e.Info(); err == nil {
					totalBytes += info.Size()
				}
			}
		}
	}
	return refs, totalBytes, nil
}

func (c *Collector) markOne(ref indexFileRef) error {
	switch ref.kind {
	case "fixed":
		r, err := index.OpenFixed(ref.path)
		if err != nil {
			return fmt.Errorf("gc: open %s: %w", ref.path, err)
		}
		defer r.Close()
		return c.markDigests(r.IterChunks)
	case "dynamic":
		r, err := index.OpenDynamic(ref.path)
		if err != nil {
			return fmt.Errorf("gc: open %s: %w", ref.path, err)
		}
		defer r.Close()
		return c.markDigests(r.IterChunks)
	default:
		return fmt.Errorf("gc: unknown index kind %q", ref.kind)
	}
}

func (c *Collector) markDigests(iter func(yield func(digest.Digest) bool)) error {
	var markErr error
	iter(func(d digest.Digest) bool {
		if _, err := c.ds.Chunks().Stat(d); err != nil {
			if errors.Is(err, chunkstore.ErrNotFound) {
				markErr = fmt.Errorf("%w: %s", ErrDanglingReference, d)
			} else {
				markErr = err
			}
			return false
		}
		if err := c.ds.Chunks().Touch(d); err != nil {
			markErr = err
			return false
		}
		return true
	})
	return markErr
}

// sweep implements Phase 2: remove every chunk (and quarantined bad chunk)
// whose atime predates cutoff = tStart - grace. A chunk whose atime is
// before tStart but not yet before cutoff is still "pending" — it would
// have been removed were it not for the grace window (spec.md §4.F).
// Removal failures are logged and counted, never fatal.
func (c *Collector) sweep(tStart, cutoff time.Time, rateLimit rate.Limit, status *Status) {
	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rateLimit, 1)
	}
	throttle := func() {
		if limiter != nil {
			_ = limiter.Wait(context.Background())
		}
	}

	store := c.ds.Chunks()

	if err := store.Iter(func(e chunkstore.Entry) bool {
		status.DiskChunks++
		status.DiskBytes += e.Info.Size()

		throttle()
		removed, err := store.RemoveIfOlder(e.Digest, cutoff)
		if err != nil {
			c.log.Error("gc: sweep remove failed", "digest", e.Digest.String(), "error", err)
			return true
		}
		if removed {
			status.RemovedChunks++
			status.RemovedBytes += e.Info.Size()
		} else if chunkstore.AccessTime(e.Info).Before(tStart) {
			status.PendingChunks++
			status.PendingBytes += e.Info.Size()
		}
		return true
	}); err != nil {
		c.log.Error("gc: sweep scan aborted early", "error", err)
	}

	if err := store.IterBad(func(e chunkstore.BadEntry) bool {
		throttle()
		removed, err := store.RemoveBadIfOlder(e.Path, cutoff)
		if err != nil {
			c.log.Error("gc: sweep remove bad failed", "path", e.Path, "error", err)
			return true
		}
		if removed {
			status.RemovedBad++
		} else {
			status.StillBad++
		}
		return true
	}); err != nil {
		c.log.Error("gc: sweep bad-chunk scan aborted early", "error", err)
	}
}
