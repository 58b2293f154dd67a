// Package chunkstore implements the sharded, content-addressed object store
// described in spec.md §3/§4.A: chunks live at
// <root>/.chunks/<first-4-hex-of-digest>/<full-hex-digest>, in a fixed,
// pre-created 65536-entry shard directory set.
//
// Grounded on internal/chunk/file/meta_store.go's temp-then-rename save path
// and internal/chunk/file/compress.go's zstd wrapping. The store creates no
// lock or sentinel file of its own.
package chunkstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"syscall"
	"time"

	"pbscore/internal/digest"
	"pbscore/internal/logging"
)

// ErrNotFound is returned by Read and Stat when a digest has no chunk on
// disk.
var ErrNotFound = errors.New("chunkstore: not found")

const chunksDirName = ".chunks"

// ShardCount is the fixed number of shard directories (spec.md §3: "the
// shard directory set is fixed (65536 entries) and pre-created at
// initialization").
const ShardCount = 1 << 16

// Store is a chunk store rooted at a datastore's .chunks directory.
type Store struct {
	root   string
	shards string
	log    *slog.Logger
}

// Open returns a Store rooted at <dsRoot>/.chunks, creating the shard root
// directory if absent. Callers that are initializing a brand new datastore
// should follow with InitShards.
func Open(dsRoot string, logger *slog.Logger) (*Store, error) {
	shards := filepath.Join(dsRoot, chunksDirName)
	if err := os.MkdirAll(shards, 0o750); err != nil {
		return nil, fmt.Errorf("chunkstore: create shard root: %w", err)
	}
	return &Store{
		root:   dsRoot,
		shards: shards,
		log:    logging.Default(logger).With("component", "chunkstore"),
	}, nil
}

// ShardRoot returns the .chunks directory path, for callers (GC) that need
// to walk quarantined-file names Iter deliberately skips.
func (s *Store) ShardRoot() string {
	return s.shards
}

// InitShards pre-creates the fixed set of 65536 shard directories
// ("0000".."ffff"). Idempotent; safe to call on an already-initialized
// store.
func (s *Store) InitShards() error {
	for i := 0; i < ShardCount; i++ {
		dir := filepath.Join(s.shards, fmt.Sprintf("%04x", i))
		if err := os.Mkdir(dir, 0o750); err != nil && !os.IsExist(err) {
			return fmt.Errorf("chunkstore: create shard %04x: %w", i, err)
		}
	}
	return nil
}

func (s *Store) path(d digest.Digest) string {
	return filepath.Join(s.shards, d.ShardPrefix(), d.String())
}

// InsertResult reports whether Insert wrote a new chunk or found one
// already present.
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyPresent
)

// Insert writes encoded (the full on-disk chunk envelope, see Encode) under
// digest's canonical path. Atomic: writes to a shard-local temp file and
// links it into place, discarding the temp name afterward — this gives the
// EEXIST-on-collision semantics spec.md §4.A asks for, since a plain rename
// on POSIX would silently clobber an existing chunk instead of reporting
// it. On AlreadyPresent the existing file's mtime is left untouched.
func (s *Store) Insert(d digest.Digest, encoded []byte) (InsertResult, error) {
	dst := s.path(d)
	dir := filepath.Dir(dst)

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("chunkstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("chunkstore: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("chunkstore: close temp: %w", err)
	}

	if err := os.Link(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		if errors.Is(err, fs.ErrExist) {
			return AlreadyPresent, nil
		}
		return 0, fmt.Errorf("chunkstore: link into place: %w", err)
	}
	os.Remove(tmpPath)
	return Inserted, nil
}

// Touch updates the chunk file's access time to now. A no-op, not an error,
// if the chunk is missing (GC race, spec.md §4.A).
func (s *Store) Touch(d digest.Digest) error {
	path := s.path(d)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("chunkstore: touch %s: %w", d, err)
	}
	return nil
}

// Read returns the raw on-disk bytes for digest d (the full envelope; see
// Decode to split it into mode/payload/authenticator).
func (s *Store) Read(d digest.Digest) ([]byte, error) {
	data, err := os.ReadFile(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, fmt.Errorf("chunkstore: read %s: %w", d, err)
	}
	return data, nil
}

// Stat returns the chunk file's FileInfo without reading its content.
func (s *Store) Stat(d digest.Digest) (os.FileInfo, error) {
	info, err := os.Stat(s.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, err
	}
	return info, nil
}

// RemoveIfOlder deletes the chunk for d only if its atime is strictly
// before cutoff, per spec.md §4.A's predicate-checked unlink. A missing
// chunk is treated as already-removed: returns (false, nil). Any other
// stat/remove failure is surfaced.
func (s *Store) RemoveIfOlder(d digest.Digest, cutoff time.Time) (bool, error) {
	path := s.path(d)
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: stat %s: %w", d, err)
	}

	atime := accessTime(info)
	if !atime.Before(cutoff) {
		return false, nil
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: remove %s: %w", d, err)
	}
	return true, nil
}

func accessTime(info os.FileInfo) time.Time {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(st.Atim.Sec, st.Atim.Nsec)
	}
	return info.ModTime()
}

// AccessTime returns the atime recorded in a FileInfo obtained from this
// package (Iter, IterBad, Stat). Exported for GC's sweep-phase grace-window
// accounting.
func AccessTime(info os.FileInfo) time.Time {
	return accessTime(info)
}

// Entry is one chunk surfaced by Iter.
type Entry struct {
	Digest digest.Digest
	Info   os.FileInfo
}

// Iter scans every shard directory in deterministic (lexical) order and
// yields each well-formed chunk file it finds. Filenames that don't parse
// as a full hex digest — temp files, quarantined ".bad" files — are
// skipped. Iter tolerates concurrent inserts: a chunk that appears or
// disappears mid-scan is simply included or not, never an error.
func (s *Store) Iter(yield func(Entry) bool) error {
	shardDirs, err := os.ReadDir(s.shards)
	if err != nil {
		return fmt.Errorf("chunkstore: read shard root: %w", err)
	}
	sort.Slice(shardDirs, func(i, j int) bool { return shardDirs[i].Name() < shardDirs[j].Name() })

	for _, sd := range shardDirs {
		if !sd.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.shards, sd.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return fmt.Errorf("chunkstore: read shard %s: %w", sd.Name(), err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			d, err := digest.Parse(e.Name())
			if err != nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("chunkstore: stat %s: %w", e.Name(), err)
			}
			if !yield(Entry{Digest: d, Info: info}) {
				return nil
			}
		}
	}
	return nil
}

// Quarantine renames a suspect chunk file to "<digest>.<n>.bad", per the
// bad-chunk convention in spec.md §4.F, picking the lowest free n. GC
// sweep coordinates its removal the same way as a regular chunk.
func (s *Store) Quarantine(d digest.Digest) (string, error) {
	src := s.path(d)
	dir := filepath.Dir(src)
	for n := 0; ; n++ {
		dst := filepath.Join(dir, fmt.Sprintf("%s.%d.bad", d, n))
		if _, err := os.Lstat(dst); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("chunkstore: stat quarantine target: %w", err)
		}
		if err := os.Rename(src, dst); err != nil {
			return "", fmt.Errorf("chunkstore: quarantine %s: %w", d, err)
		}
		s.log.Warn("quarantined chunk", "digest", d.String(), "path", dst)
		return dst, nil
	}
}

var badFileName = regexp.MustCompile(`^([0-9a-f]{64})\.(\d+)\.bad$`)

// BadEntry is one quarantined chunk file surfaced by IterBad.
type BadEntry struct {
	Digest digest.Digest
	N      int
	Path   string
	Info   os.FileInfo
}

// IterBad scans every shard directory for quarantined "<digest>.<n>.bad"
// files, the files Iter deliberately skips. GC's sweep phase uses it to
// account for and remove expired quarantined chunks (spec.md §4.F: "bad
// refers to chunks previously quarantined by verification... removal is
// coordinated with mark in the same way").
func (s *Store) IterBad(yield func(BadEntry) bool) error {
	shardDirs, err := os.ReadDir(s.shards)
	if err != nil {
		return fmt.Errorf("chunkstore: read shard root: %w", err)
	}
	sort.Slice(shardDirs, func(i, j int) bool { return shardDirs[i].Name() < shardDirs[j].Name() })

	for _, sd := range shardDirs {
		if !sd.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.shards, sd.Name())
		entries, err := os.ReadDir(shardPath)
		if err != nil {
			return fmt.Errorf("chunkstore: read shard %s: %w", sd.Name(), err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			m := badFileName.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			d, err := digest.Parse(m[1])
			if err != nil {
				continue
			}
			n, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return fmt.Errorf("chunkstore: stat %s: %w", e.Name(), err)
			}
			if !yield(BadEntry{Digest: d, N: n, Path: filepath.Join(shardPath, e.Name()), Info: info}) {
				return nil
			}
		}
	}
	return nil
}

// RemoveBadIfOlder deletes a quarantined file at path if its atime is
// strictly before cutoff, mirroring RemoveIfOlder's predicate-checked
// unlink.
func (s *Store) RemoveBadIfOlder(path string, cutoff time.Time) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: stat %s: %w", path, err)
	}
	if !accessTime(info).Before(cutoff) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("chunkstore: remove %s: %w", path, err)
	}
	return true, nil
}
