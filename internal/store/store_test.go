package store

import (
	"os"
	"path/filepath"
	"testing"

	"snapctl/internal/snapshot"
)

func snapshotWithID(id string) snapshot.Snapshot {
	return snapshot.Snapshot{ID: id}
}

func newTestStorage(t *testing.T) *SnapshotStorage {
	t.Helper()
	s, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func writeChunkFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestGetPendingDirectoryForIsIdempotent(t *testing.T) {
	s := newTestStorage(t)

	dir1, ok := s.GetPendingDirectoryFor("5")
	if !ok {
		t.Fatal("expected ok")
	}
	writeChunkFile(t, dir1, "chunk-0", "data")

	dir2, ok := s.GetPendingDirectoryFor("5")
	if !ok {
		t.Fatal("expected ok")
	}
	if dir1 != dir2 {
		t.Fatalf("dirs differ: %s vs %s", dir1, dir2)
	}
	if _, err := os.Stat(filepath.Join(dir2, "chunk-0")); err != nil {
		t.Fatalf("expected existing chunk file to survive: %v", err)
	}
}

func TestGetPendingDirectoryForRejectsInvalidID(t *testing.T) {
	s := newTestStorage(t)
	if _, ok := s.GetPendingDirectoryFor("not-a-number"); ok {
		t.Fatal("expected invalid id to be rejected")
	}
}

func TestCommitSnapshotPromotesAtomically(t *testing.T) {
	s := newTestStorage(t)

	dir, ok := s.GetPendingDirectoryFor("1")
	if !ok {
		t.Fatal("expected ok")
	}
	writeChunkFile(t, dir, "chunk-0", "payload")

	committed, ok := s.CommitSnapshot(snapshotWithID("1"))
	if !ok {
		t.Fatal("expected commit to succeed")
	}
	if committed.TotalCount != 1 {
		t.Fatalf("TotalCount = %d, want 1", committed.TotalCount)
	}
	if !s.Exists("1") {
		t.Fatal("expected committed snapshot to exist")
	}
	if _, err := os.Stat(dir); err == nil {
		t.Fatal("expected pending directory to be gone after commit")
	}
}

func TestCommitSnapshotMissingPendingFails(t *testing.T) {
	s := newTestStorage(t)
	if _, ok := s.CommitSnapshot(snapshotWithID("99")); ok {
		t.Fatal("expected commit without a pending directory to fail")
	}
}

func TestCommitSnapshotDuplicateIsDroppedSilently(t *testing.T) {
	s := newTestStorage(t)

	dir, _ := s.GetPendingDirectoryFor("1")
	writeChunkFile(t, dir, "chunk-0", "first")
	if _, ok := s.CommitSnapshot(snapshotWithID("1")); !ok {
		t.Fatal("expected first commit to succeed")
	}

	dir2, _ := s.GetPendingDirectoryFor("1")
	writeChunkFile(t, dir2, "chunk-0", "second")
	if _, ok := s.CommitSnapshot(snapshotWithID("1")); ok {
		t.Fatal("expected duplicate commit to report not-ok")
	}
	if _, err := os.Stat(dir2); err == nil {
		t.Fatal("expected the duplicate pending directory to be cleaned up")
	}

	snaps, err := s.GetSnapshots()
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected exactly one committed snapshot, got %d", len(snaps))
	}
}

func TestGetLatestSnapshotPicksNumericMax(t *testing.T) {
	s := newTestStorage(t)
	for _, id := range []string{"2", "10", "9"} {
		dir, _ := s.GetPendingDirectoryFor(id)
		writeChunkFile(t, dir, "chunk-0", "x")
		if _, ok := s.CommitSnapshot(snapshotWithID(id)); !ok {
			t.Fatalf("commit %s failed", id)
		}
	}
	latest, ok := s.GetLatestSnapshot()
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	if latest.ID != "10" {
		t.Fatalf("GetLatestSnapshot = %s, want 10", latest.ID)
	}
}

func TestGetPendingSnapshotForRejectsStaleLowerBound(t *testing.T) {
	s := newTestStorage(t)
	dir, _ := s.GetPendingDirectoryFor("100")
	writeChunkFile(t, dir, "chunk-0", "x")
	if _, ok := s.CommitSnapshot(snapshotWithID("100")); !ok {
		t.Fatal("commit failed")
	}

	if _, ok := s.GetPendingSnapshotFor(50); ok {
		t.Fatal("expected a lower bound behind the latest snapshot to be rejected")
	}
	if _, ok := s.GetPendingSnapshotFor(200); !ok {
		t.Fatal("expected a lower bound ahead of the latest snapshot to be accepted")
	}
}

func TestPruneKeepsNewestN(t *testing.T) {
	s := newTestStorage(t)
	for _, id := range []string{"1", "2", "3", "4"} {
		dir, _ := s.GetPendingDirectoryFor(id)
		writeChunkFile(t, dir, "chunk-0", "x")
		if _, ok := s.CommitSnapshot(snapshotWithID(id)); !ok {
			t.Fatalf("commit %s failed", id)
		}
	}

	if err := s.Prune(2); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if s.Exists("1") || s.Exists("2") {
		t.Fatal("expected oldest snapshots to be pruned")
	}
	if !s.Exists("3") || !s.Exists("4") {
		t.Fatal("expected newest snapshots to survive")
	}
}

func TestPruneNeverDropsBelowOne(t *testing.T) {
	s := newTestStorage(t)
	dir, _ := s.GetPendingDirectoryFor("1")
	writeChunkFile(t, dir, "chunk-0", "x")
	if _, ok := s.CommitSnapshot(snapshotWithID("1")); !ok {
		t.Fatal("commit failed")
	}

	if err := s.Prune(0); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !s.Exists("1") {
		t.Fatal("expected the only snapshot to survive a keep=0 prune")
	}
}

func TestGetRuntimeDirectoryIsStable(t *testing.T) {
	s := newTestStorage(t)
	if s.GetRuntimeDirectory() != s.GetRuntimeDirectory() {
		t.Fatal("expected a stable runtime directory path")
	}
}
