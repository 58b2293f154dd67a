// Package datastore implements the snapshot tree described in spec.md §3/
// §4.C: a root directory containing type/id group directories, each
// holding timestamped snapshot directories. It composes chunkstore (the
// shared chunk pool), lock (group/snapshot/manifest locking) and manifest
// (finish detection) into the directory operations spec.md names:
// create_snapshot, list_groups, list_snapshots, last_successful,
// destroy_snapshot, destroy_group.
//
// Path resolution is grounded on internal/home's Dir type (a root plus a
// set of path-joining helper methods), generalized from a single flat
// layout to the group/snapshot hierarchy.
package datastore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"pbscore/internal/chunkstore"
	"pbscore/internal/lock"
	"pbscore/internal/logging"
)

var (
	ErrInvalidConfig = errors.New("datastore: invalid config")
	ErrInvalidName   = errors.New("datastore: invalid group or snapshot name")
	ErrAlreadyExists = errors.New("datastore: snapshot already exists")
	ErrNotFound      = errors.New("datastore: not found")
	ErrInUse         = errors.New("datastore: possibly_running_or_in_use")
	ErrProtected     = errors.New("datastore: protected")
)

// groupTypes enumerates the valid group type directories (spec.md §3:
// "type ∈ {host, vm, ct}").
var groupTypes = []string{"host", "vm", "ct"}

func isValidGroupType(t string) bool {
	for _, g := range groupTypes {
		if g == t {
			return true
		}
	}
	return false
}

// idPattern matches both group ids and snapshot bucket ids (spec.md §6).
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

const protectedMarker = ".protected"
const manifestLockSubdir = "locks"

// Config configures a Store. LockRoot defaults to <Root>/.locks when empty;
// the real deployment's manifest locks live under /run/proxmox-backup, but
// a fixed system path isn't portable or testable for a generic library, so
// it's a configurable root instead (see DESIGN.md).
type Config struct {
	Root     string
	LockRoot string
}

// Store is an open datastore rooted at Config.Root.
type Store struct {
	root     string
	lockRoot string
	chunks   *chunkstore.Store
	dsLock   lock.DatastoreLock
	log      *slog.Logger
}

// Open creates the datastore root and its chunk store (pre-creating the
// shard directory set if this is a fresh datastore) and returns a ready
// Store.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Root == "" {
		return nil, ErrInvalidConfig
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create root: %w", err)
	}

	log := logging.Default(logger).With("component", "datastore")

	chunks, err := chunkstore.Open(cfg.Root, logger)
	if err != nil {
		return nil, err
	}
	fresh, err := isEmptyDir(filepath.Join(cfg.Root, ".chunks"))
	if err != nil {
		return nil, err
	}
	if fresh {
		log.Info("initializing chunk store shards", "root", cfg.Root)
		if err := chunks.InitShards(); err != nil {
			return nil, err
		}
	}

	lockRoot := cfg.LockRoot
	if lockRoot == "" {
		lockRoot = filepath.Join(cfg.Root, ".locks")
	}
	if err := os.MkdirAll(lockRoot, 0o750); err != nil {
		return nil, fmt.Errorf("datastore: create lock root: %w", err)
	}

	return &Store{root: cfg.Root, lockRoot: lockRoot, chunks: chunks, log: log}, nil
}

func isEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, fmt.Errorf("datastore: read %s: %w", path, err)
	}
	return len(entries) == 0, nil
}

// Root returns the datastore's root directory.
func (s *Store) Root() string { return s.root }

// Chunks returns the chunk store backing this datastore, for use by the GC
// and index/backup-writer components.
func (s *Store) Chunks() *chunkstore.Store { return s.chunks }

// GCMutexPath returns the path of the GC mutex lock file (spec.md §6).
func (s *Store) GCMutexPath() string {
	return filepath.Join(s.root, ".gc-active.lck")
}

// LockShared takes the process-local datastore lock for read access
// (backup/restore), per spec.md §4.D/§5.
func (s *Store) LockShared() lock.SharedRelease {
	return s.dsLock.Shared()
}

// LockExclusive takes the process-local datastore lock for write access
// (GC), per spec.md §4.D/§5.
func (s *Store) LockExclusive() lock.ExclusiveRelease {
	return s.dsLock.Exclusive()
}

func validateGroup(g GroupID) error {
	if !isValidGroupType(g.Type) {
		return fmt.Errorf("%w: type %q", ErrInvalidName, g.Type)
	}
	if !idPattern.MatchString(g.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidName, g.ID)
	}
	return nil
}

func (s *Store) groupDir(g GroupID) string {
	return filepath.Join(s.root, g.Type, g.ID)
}

func (s *Store) groupLockPath(g GroupID) string {
	return s.groupDir(g) + ".lock"
}

func (s *Store) snapshotDir(g GroupID, ts string) string {
	return filepath.Join(s.groupDir(g), ts)
}

func (s *Store) manifestLockPath(g GroupID, ts string) string {
	return filepath.Join(s.lockRoot, manifestLockSubdir, g.Type, g.ID, ts+".index.json.lck")
}
