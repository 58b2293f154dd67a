package datastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pbscore/internal/lock"
	"pbscore/internal/manifest"
)

// manifestLockTimeout bounds manifest lock acquisition (spec.md §4.D).
const manifestLockTimeout = 5 * time.Second

// SnapshotHandle is returned by CreateSnapshot. Release must be called
// exactly once, when the backup finishes or aborts.
type SnapshotHandle struct {
	Dir string

	lockHandle *lock.Handle
}

// Release releases the snapshot lock acquired by CreateSnapshot.
func (h *SnapshotHandle) Release() error {
	return h.lockHandle.Release()
}

// CreateSnapshot creates the snapshot directory for (g, ts), serialized by
// the group lock, and takes a non-blocking exclusive lock on the new
// directory itself. Returns ErrInUse if a concurrent writer already holds
// that lock, ErrAlreadyExists if the snapshot directory exists already.
func (s *Store) CreateSnapshot(g GroupID, ts time.Time) (*SnapshotHandle, error) {
	if err := validateGroup(g); err != nil {
		return nil, err
	}

	gh, err := lock.AcquireExclusiveBlocking(s.groupLockPath(g))
	if err != nil {
		return nil, fmt.Errorf("datastore: acquire group lock: %w", err)
	}
	defer gh.Release()

	if err := os.MkdirAll(s.groupDir(g), 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create group dir: %w", err)
	}

	tsStr := formatTimestamp(ts)
	snapDir := s.snapshotDir(g, tsStr)
	if _, err := os.Stat(snapDir); err == nil {
		return nil, fmt.Errorf("%w: %s/%s/%s", ErrAlreadyExists, g.Type, g.ID, tsStr)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("datastore: stat %s: %w", snapDir, err)
	}
	if err := os.Mkdir(snapDir, 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create snapshot dir: %w", err)
	}

	sh, err := lock.AcquireExclusiveNonBlocking(snapDir)
	if err != nil {
		if errors.Is(err, lock.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: possibly running backup on %s/%s/%s", ErrInUse, g.Type, g.ID, tsStr)
		}
		return nil, err
	}

	s.log.Info("created snapshot", "type", g.Type, "id", g.ID, "time", tsStr)
	return &SnapshotHandle{Dir: snapDir, lockHandle: sh}, nil
}

// ListSnapshots returns every snapshot timestamp for group g, ascending.
func (s *Store) ListSnapshots(g GroupID) ([]time.Time, error) {
	entries, err := os.ReadDir(s.groupDir(g))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("datastore: list snapshots for %s: %w", g, err)
	}

	var out []time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !timestampPattern.MatchString(e.Name()) {
			continue
		}
		ts, err := parseTimestamp(e.Name())
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// IsFinished reports whether a snapshot's manifest (index.json.blob) is
// present — spec.md §3: "Absence of manifest ⇒ snapshot is unfinished".
func (s *Store) IsFinished(g GroupID, ts time.Time) bool {
	_, err := os.Stat(s.ManifestPath(g, ts))
	return err == nil
}

// SnapshotDir returns the directory path for (g, ts), whether or not it
// currently exists.
func (s *Store) SnapshotDir(g GroupID, ts time.Time) string {
	return s.snapshotDir(g, formatTimestamp(ts))
}

// ManifestPath returns the path of a snapshot's manifest blob.
func (s *Store) ManifestPath(g GroupID, ts time.Time) string {
	return filepath.Join(s.snapshotDir(g, formatTimestamp(ts)), manifest.BlobName)
}

// ManifestLockPath returns the manifest lock path for (g, ts), for use by
// manifest.UpdateUnprotected.
func (s *Store) ManifestLockPath(g GroupID, ts time.Time) string {
	return s.manifestLockPath(g, formatTimestamp(ts))
}

// LastSuccessful returns the most recent finished snapshot for g.
func (s *Store) LastSuccessful(g GroupID) (time.Time, bool, error) {
	snaps, err := s.ListSnapshots(g)
	if err != nil {
		return time.Time{}, false, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if s.IsFinished(g, snaps[i]) {
			return snaps[i], true, nil
		}
	}
	return time.Time{}, false, nil
}

// IsProtected reports whether a snapshot carries the protection marker.
func (s *Store) IsProtected(g GroupID, ts time.Time) bool {
	_, err := os.Stat(filepath.Join(s.snapshotDir(g, formatTimestamp(ts)), protectedMarker))
	return err == nil
}

// SetProtected creates or removes a snapshot's protection marker.
func (s *Store) SetProtected(g GroupID, ts time.Time, protected bool) error {
	path := filepath.Join(s.snapshotDir(g, formatTimestamp(ts)), protectedMarker)
	if protected {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("datastore: set protected: %w", err)
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("datastore: clear protected: %w", err)
	}
	return nil
}

// DestroySnapshot removes a snapshot directory. Unless force is set, it
// refuses protected snapshots and takes the snapshot and manifest locks
// first, surfacing ErrInUse on lock contention.
func (s *Store) DestroySnapshot(g GroupID, ts time.Time, force bool) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	tsStr := formatTimestamp(ts)
	snapDir := s.snapshotDir(g, tsStr)

	if _, err := os.Stat(snapDir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s/%s", ErrNotFound, g.Type, g.ID, tsStr)
		}
		return fmt.Errorf("datastore: stat %s: %w", snapDir, err)
	}

	if !force && s.IsProtected(g, ts) {
		return fmt.Errorf("%w: cannot remove protected snapshot %s/%s/%s", ErrProtected, g.Type, g.ID, tsStr)
	}

	if !force {
		sh, err := lock.AcquireExclusiveNonBlocking(snapDir)
		if err != nil {
			if errors.Is(err, lock.ErrWouldBlock) {
				return fmt.Errorf("%w: possibly running backup on %s/%s/%s", ErrInUse, g.Type, g.ID, tsStr)
			}
			return err
		}
		defer sh.Release()

		mlockPath := s.manifestLockPath(g, tsStr)
		if err := os.MkdirAll(filepath.Dir(mlockPath), 0o750); err != nil {
			return fmt.Errorf("datastore: create manifest lock dir: %w", err)
		}
		mh, err := lock.AcquireExclusiveTimeout(mlockPath, manifestLockTimeout)
		if err != nil {
			return err
		}
		defer mh.Release()
	}

	if err := os.RemoveAll(snapDir); err != nil {
		return fmt.Errorf("datastore: remove %s: %w", snapDir, err)
	}
	s.log.Info("destroyed snapshot", "type", g.Type, "id", g.ID, "time", tsStr)
	return nil
}

// DestroyGroup destroys every unprotected snapshot in g. It reports
// leftovers=true (and keeps the group directory) if any snapshot was
// protected.
func (s *Store) DestroyGroup(g GroupID) (leftovers bool, err error) {
	snaps, err := s.ListSnapshots(g)
	if err != nil {
		return false, err
	}
	for _, ts := range snaps {
		if err := s.DestroySnapshot(g, ts, false); err != nil {
			if errors.Is(err, ErrProtected) {
				leftovers = true
				continue
			}
			return leftovers, err
		}
	}
	if leftovers {
		return true, nil
	}
	if err := os.Remove(s.groupDir(g)); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("datastore: remove group dir: %w", err)
	}
	_ = os.Remove(s.groupLockPath(g))
	return false, nil
}
