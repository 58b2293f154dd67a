package rrd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"pbscore/internal/format"
	"pbscore/internal/logging"
)

// journalName is the append-only journal file within the cache's base
// directory (spec.md §4.I).
const journalName = "rrd.journal"

// Cache is the single-instance, write-through RRD cache of spec.md §4.I:
// one in-memory map, one append-only journal, one on-disk file per RRD.
// It is safe for concurrent use by multiple goroutines within one
// process; it assumes no other process writes the same base directory
// concurrently (spec.md §4.I: "designed to run as single instance").
type Cache struct {
	mu sync.RWMutex

	baseDir       string
	journalPath   string
	applyInterval float64 // seconds

	rrdMap    map[string]*RRD
	journal   *os.File
	lastFlush float64

	log *slog.Logger

	// Now supplies the current wall-clock time; overridable in tests, the
	// same clock-injection shape as the teacher's chunk/file.Manager.Now.
	Now func() time.Time
}

// Open creates baseDir if needed, opens (or creates) its journal for
// append, and returns an empty Cache. applyInterval bounds how often
// Update triggers an implicit flush.
func Open(baseDir string, applyInterval time.Duration, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("rrd: create base dir: %w", err)
	}
	journalPath := filepath.Join(baseDir, journalName)
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rrd: open journal: %w", err)
	}
	return &Cache{
		baseDir:       baseDir,
		journalPath:   journalPath,
		applyInterval: applyInterval.Seconds(),
		rrdMap:        make(map[string]*RRD),
		journal:       f,
		log:           logging.Default(logger).With("component", "rrd"),
		Now:           time.Now,
	}, nil
}

// Close closes the journal file handle.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.journal.Close()
}

func (c *Cache) epochNow() float64 {
	return float64(c.Now().UnixNano()) / 1e9
}

// Update folds one (relPath, value, dst) sample into the cache: it may
// first trigger an implicit flush if applyInterval has elapsed (errors
// there are logged, not fatal — spec.md §4.I step 2), then appends the
// journal line and updates the in-RAM RRD, creating it if absent.
func (c *Cache) Update(relPath string, value float64, dst DST) error {
	if err := validateRelPath(relPath); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.epochNow()
	if now-c.lastFlush > c.applyInterval {
		if err := c.flushLocked(now); err != nil {
			c.log.Error("rrd: apply journal failed", "error", err)
		}
	}

	line := fmt.Sprintf("%s:%s:%d:%s\n", formatFloat(now), formatFloat(value), int(dst), relPath)
	if _, err := c.journal.WriteString(line); err != nil {
		return fmt.Errorf("rrd: append journal entry: %w", err)
	}

	r, ok := c.rrdMap[relPath]
	if !ok {
		loaded, err := c.loadOrNew(relPath)
		if err != nil {
			return err
		}
		r = loaded
		c.rrdMap[relPath] = r
	}
	r.Update(now, value)
	return nil
}

// Flush replays the journal end-to-end into the in-RAM RRDs, saves every
// RRD to disk, and truncates the journal once every save has succeeded
// (spec.md §4.I flush path).
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(c.epochNow())
}

func (c *Cache) flushLocked(now float64) error {
	c.lastFlush = now
	c.log.Info("applying rrd journal")

	data, err := os.ReadFile(c.journalPath)
	if err != nil {
		return fmt.Errorf("rrd: read journal: %w", err)
	}

	for lineNr, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry, err := parseJournalLine(line)
		if err != nil {
			c.log.Warn("rrd: skipping unparsable journal line", "line", lineNr+1, "error", err)
			continue
		}

		r, ok := c.rrdMap[entry.relPath]
		if !ok {
			loaded, err := c.loadOrNew(entry.relPath)
			if err != nil {
				return err
			}
			r = loaded
			c.rrdMap[entry.relPath] = r
		}
		if entry.time > r.LastUpdate {
			r.Update(entry.time, entry.value)
		}
	}

	saveErrs := 0
	for relPath, r := range c.rrdMap {
		if err := c.save(relPath, r); err != nil {
			saveErrs++
			c.log.Error("rrd: failed to save RRD", "rel_path", relPath, "error", err)
		}
	}
	if saveErrs > 0 {
		return fmt.Errorf("rrd: %d RRD(s) failed to save, journal retained", saveErrs)
	}

	if err := c.journal.Truncate(0); err != nil {
		return fmt.Errorf("rrd: truncate journal: %w", err)
	}
	if _, err := c.journal.Seek(0, 0); err != nil {
		return fmt.Errorf("rrd: seek journal: %w", err)
	}
	c.log.Info("rrd journal successfully committed")
	return nil
}

func (c *Cache) loadOrNew(relPath string) (*RRD, error) {
	path := filepath.Join(c.baseDir, relPath)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("rrd: read %s: %w", path, err)
	}
	r := New()
	if err := r.UnmarshalBinary(data); err != nil {
		c.log.Warn("rrd: overwriting corrupt RRD file", "path", path, "error", err)
		return New(), nil
	}
	return r, nil
}

func (c *Cache) save(relPath string, r *RRD) error {
	path := filepath.Join(c.baseDir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return format.WriteAtomic(path, r.MarshalBinary(), 0o644)
}

// Get returns a copy of the cached RRD for relPath, if present in RAM
// (callers wanting disk-backed data for a cold relPath should go through
// Update/Flush first).
func (c *Cache) Get(relPath string) (RRD, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rrdMap[relPath]
	if !ok {
		return RRD{}, false
	}
	return *r, true
}

type journalEntry struct {
	time    float64
	value   float64
	dst     DST
	relPath string
}

func parseJournalLine(line string) (journalEntry, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return journalEntry{}, fmt.Errorf("rrd: wrong number of journal fields")
	}
	t, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return journalEntry{}, fmt.Errorf("rrd: unable to parse time: %w", err)
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return journalEntry{}, fmt.Errorf("rrd: unable to parse value: %w", err)
	}
	dstCode, err := strconv.Atoi(parts[2])
	if err != nil {
		return journalEntry{}, fmt.Errorf("rrd: unable to parse data source type: %w", err)
	}
	var dst DST
	switch dstCode {
	case int(DSTGauge):
		dst = DSTGauge
	case int(DSTDerive):
		dst = DSTDerive
	default:
		return journalEntry{}, fmt.Errorf("rrd: got strange value for data source type %d", dstCode)
	}
	return journalEntry{time: t, value: v, dst: dst, relPath: parts[3]}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func validateRelPath(relPath string) error {
	if relPath == "" {
		return fmt.Errorf("rrd: empty rel_path")
	}
	clean := filepath.Clean(relPath)
	if clean != relPath || clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return fmt.Errorf("rrd: invalid rel_path %q", relPath)
	}
	return nil
}
