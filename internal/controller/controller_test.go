package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"snapctl/internal/dbadapter/boltkv"
	"snapctl/internal/store"
)

func newTestController(t *testing.T) (*SnapshotController, *store.SnapshotStorage) {
	t.Helper()
	s, err := store.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	c := New(s, boltkv.New(), nil, nil, nil, nil)
	return c, s
}

func TestTakeSnapshotRoundTripsThroughBoltkv(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.Open(ctx); err != nil {
		t.Fatalf("second Open should be idempotent: %v", err)
	}

	snap, ok, err := c.TakeSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected TakeSnapshot to succeed")
	}
	if snap.ID != "1" {
		t.Fatalf("snapshot id = %s, want 1", snap.ID)
	}

	count, err := c.GetValidSnapshotsCount()
	if err != nil {
		t.Fatalf("GetValidSnapshotsCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestTakeTempSnapshotLeavesPendingUncommitted(t *testing.T) {
	ctx := context.Background()
	c, s := newTestController(t)

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	temp, ok, err := c.TakeTempSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("TakeTempSnapshot: %v", err)
	}
	if !ok {
		t.Fatal("expected TakeTempSnapshot to succeed")
	}
	if s.Exists(temp.ID) {
		t.Fatal("TakeTempSnapshot must not commit")
	}

	committed, ok := c.CommitSnapshot(temp)
	if !ok {
		t.Fatal("expected CommitSnapshot to succeed")
	}
	if !s.Exists(committed.ID) {
		t.Fatal("expected committed snapshot to exist after CommitSnapshot")
	}
}

func TestTakeTempSnapshotFailsSoftWhenNotOpen(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	if _, ok, err := c.TakeTempSnapshot(ctx, 1); ok || err != ErrNotOpen {
		t.Fatalf("TakeTempSnapshot while closed: ok=%v err=%v, want ok=false err=ErrNotOpen", ok, err)
	}
}

func TestTakeSnapshotRedundantLowerBoundIsSkipped(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, err := c.TakeSnapshot(ctx, 100); !ok || err != nil {
		t.Fatalf("first TakeSnapshot: ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.TakeSnapshot(ctx, 50); ok || err != nil {
		t.Fatalf("expected stale lower bound to be skipped: ok=%v err=%v", ok, err)
	}
}

func TestRecoverWithNoSnapshotsOpensFresh(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestController(t)

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if _, ok, err := c.TakeSnapshot(ctx, 1); err != nil || !ok {
		t.Fatalf("expected usable database after recover: ok=%v err=%v", ok, err)
	}
}

func TestRecoverWithOneBadSnapshotFallsBackToOlder(t *testing.T) {
	ctx := context.Background()
	c, s := newTestController(t)

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, err := c.TakeSnapshot(ctx, 1); !ok || err != nil {
		t.Fatalf("TakeSnapshot 1: ok=%v err=%v", ok, err)
	}
	if _, ok, err := c.TakeSnapshot(ctx, 2); !ok || err != nil {
		t.Fatalf("TakeSnapshot 2: ok=%v err=%v", ok, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	latest, ok := s.GetLatestSnapshot()
	if !ok {
		t.Fatal("expected a latest snapshot")
	}
	entries, err := os.ReadDir(latest.Path)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if err := os.WriteFile(filepath.Join(latest.Path, e.Name()), []byte("not a real bolt db"), 0o600); err != nil {
			t.Fatalf("corrupt snapshot file: %v", err)
		}
	}

	countBefore, err := c.GetValidSnapshotsCount()
	if err != nil {
		t.Fatalf("GetValidSnapshotsCount: %v", err)
	}

	if err := c.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	countAfter, err := c.GetValidSnapshotsCount()
	if err != nil {
		t.Fatalf("GetValidSnapshotsCount: %v", err)
	}
	if countAfter != countBefore-1 {
		t.Fatalf("count after recover = %d, want %d", countAfter, countBefore-1)
	}
	if s.Exists(latest.ID) {
		t.Fatal("expected the corrupted snapshot to be deleted")
	}
}

func TestRecoverWithAllSnapshotsBadIsFatal(t *testing.T) {
	ctx := context.Background()
	c, s := newTestController(t)

	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok, err := c.TakeSnapshot(ctx, 1); !ok || err != nil {
		t.Fatalf("TakeSnapshot: ok=%v err=%v", ok, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	snaps, err := s.GetSnapshots()
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	for _, snap := range snaps {
		entries, err := os.ReadDir(snap.Path)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		for _, e := range entries {
			if err := os.WriteFile(filepath.Join(snap.Path, e.Name()), []byte("garbage"), 0o600); err != nil {
				t.Fatalf("corrupt snapshot file: %v", err)
			}
		}
	}

	err = c.Recover(ctx)
	if err != ErrRecoveryExhausted {
		t.Fatalf("Recover error = %v, want ErrRecoveryExhausted", err)
	}
}
