package datastore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pbscore/internal/manifest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Root: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestOpenInitializesShards(t *testing.T) {
	s := newTestStore(t)
	for _, prefix := range []string{"0000", "ffff"} {
		if info, err := os.Stat(filepath.Join(s.root, ".chunks", prefix)); err != nil || !info.IsDir() {
			t.Fatalf("expected shard %s to exist", prefix)
		}
	}
}

func TestCreateSnapshotThenListAndDestroy(t *testing.T) {
	s := newTestStore(t)
	g := GroupID{Type: "host", ID: "pve1"}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	h, err := s.CreateSnapshot(g, ts)
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if info, err := os.Stat(h.Dir); err != nil || !info.IsDir() {
		t.Fatalf("expected snapshot dir to exist at %s", h.Dir)
	}

	snaps, err := s.ListSnapshots(g)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].Equal(ts) {
		t.Fatalf("expected [%v], got %v", ts, snaps)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if err := s.DestroySnapshot(g, ts, false); err != nil {
		t.Fatalf("DestroySnapshot: %v", err)
	}
	if _, err := os.Stat(h.Dir); !os.IsNotExist(err) {
		t.Fatalf("expected snapshot dir removed, stat err = %v", err)
	}
}

func TestCreateSnapshotAlreadyExists(t *testing.T) {
	s := newTestStore(t)
	g := GroupID{Type: "vm", ID: "100"}
	ts := time.Now().UTC().Truncate(time.Second)

	h, err := s.CreateSnapshot(g, ts)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Release()

	_, err = s.CreateSnapshot(g, ts)
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestDestroySnapshotInUseWhileCreateLockHeld(t *testing.T) {
	s := newTestStore(t)
	g := GroupID{Type: "ct", ID: "200"}
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h1, err := s.CreateSnapshot(g, ts1)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Release()

	// Re-opening the SAME directory's lock (simulated by acquiring the
	// snapshot lock directly, since CreateSnapshot always mkdirs fresh)
	// isn't directly exercisable through CreateSnapshot alone; instead
	// verify DestroySnapshot sees the in-use snapshot lock.
	err = s.DestroySnapshot(g, ts1, false)
	if !errors.Is(err, ErrInUse) {
		t.Fatalf("expected ErrInUse while the backup lock is held, got %v", err)
	}
}

func TestDestroySnapshotProtectedRefused(t *testing.T) {
	s := newTestStore(t)
	g := GroupID{Type: "host", ID: "pve2"}
	ts := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	h, err := s.CreateSnapshot(g, ts)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetProtected(g, ts, true); err != nil {
		t.Fatalf("SetProtected: %v", err)
	}

	err = s.DestroySnapshot(g, ts, false)
	if !errors.Is(err, ErrProtected) {
		t.Fatalf("expected ErrProtected, got %v", err)
	}

	if err := s.DestroySnapshot(g, ts, true); err != nil {
		t.Fatalf("force destroy should succeed, got %v", err)
	}
}

func TestListGroupsOrdering(t *testing.T) {
	s := newTestStore(t)
	ts := time.Now().UTC().Truncate(time.Second)

	ids := []GroupID{
		{Type: "host", ID: "10"},
		{Type: "host", ID: "2"},
		{Type: "host", ID: "abc"},
		{Type: "vm", ID: "1"},
	}
	for i, g := range ids {
		h, err := s.CreateSnapshot(g, ts.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		h.Release()
	}

	groups, err := s.ListGroups()
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}

	want := []GroupID{
		{Type: "host", ID: "2"},
		{Type: "host", ID: "10"},
		{Type: "host", ID: "abc"},
		{Type: "vm", ID: "1"},
	}
	if len(groups) != len(want) {
		t.Fatalf("expected %d groups, got %d: %v", len(want), len(groups), groups)
	}
	for i := range want {
		if groups[i] != want[i] {
			t.Errorf("groups[%d] = %v, want %v", i, groups[i], want[i])
		}
	}
}

func TestLastSuccessfulSkipsUnfinishedSnapshots(t *testing.T) {
	s := newTestStore(t)
	g := GroupID{Type: "host", ID: "pve3"}
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	h1, err := s.CreateSnapshot(g, older)
	if err != nil {
		t.Fatal(err)
	}
	h1.Release()
	if err := manifest.Write(s.ManifestPath(g, older), &manifest.Manifest{BackupType: "host", BackupID: "pve3"}); err != nil {
		t.Fatal(err)
	}

	h2, err := s.CreateSnapshot(g, newer)
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()
	// newer snapshot has no manifest: unfinished.

	last, ok, err := s.LastSuccessful(g)
	if err != nil {
		t.Fatalf("LastSuccessful: %v", err)
	}
	if !ok {
		t.Fatal("expected a successful snapshot")
	}
	if !last.Equal(older) {
		t.Fatalf("expected last successful = %v, got %v", older, last)
	}
}

func TestDestroyGroupReportsLeftoversForProtected(t *testing.T) {
	s := newTestStore(t)
	g := GroupID{Type: "host", ID: "pve4"}
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	for _, ts := range []time.Time{ts1, ts2} {
		h, err := s.CreateSnapshot(g, ts)
		if err != nil {
			t.Fatal(err)
		}
		h.Release()
	}
	if err := s.SetProtected(g, ts1, true); err != nil {
		t.Fatal(err)
	}

	leftovers, err := s.DestroyGroup(g)
	if err != nil {
		t.Fatalf("DestroyGroup: %v", err)
	}
	if !leftovers {
		t.Fatal("expected leftovers=true with a protected snapshot present")
	}

	snaps, err := s.ListSnapshots(g)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 || !snaps[0].Equal(ts1) {
		t.Fatalf("expected only the protected snapshot to remain, got %v", snaps)
	}
}

func TestCreateSnapshotInvalidGroupType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateSnapshot(GroupID{Type: "desktop", ID: "x"}, time.Now())
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}
