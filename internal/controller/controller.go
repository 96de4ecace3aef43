// Package controller implements the snapshot controller: the component
// that owns a partition's database handle lifecycle (closed -> open ->
// closed), takes and commits snapshots of the running database, drives
// replication of the latest snapshot to peers, and recovers a fresh
// database from the newest committed snapshot that still opens cleanly.
//
// Recovery walks committed snapshots newest-first the way raftfsm.Restore
// rebuilds FSM state from a single accepted snapshot, except here a
// candidate that fails to open is discarded and the next-oldest one is
// tried, rather than treating corruption as fatal immediately.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"snapctl/internal/dbadapter"
	"snapctl/internal/logging"
	"snapctl/internal/metrics"
	"snapctl/internal/replication"
	"snapctl/internal/snapshot"
	"snapctl/internal/store"
)

// ErrRecoveryExhausted is returned by Recover when one or more committed
// snapshots exist but every one of them failed to open. This is treated as
// fatal: the caller should not silently fall back to an empty database
// when data it believed was durable turns out to be unreadable.
var ErrRecoveryExhausted = errors.New("controller: all committed snapshots failed to open")

// ErrNotOpen is returned by operations that require an open handle when
// none is open.
var ErrNotOpen = errors.New("controller: database not open")

// SnapshotController owns one partition's database lifecycle and snapshot
// operations. The zero value is not usable; construct with New.
type SnapshotController struct {
	storage *store.SnapshotStorage
	db      dbadapter.DB
	sender  *replication.Sender
	recv    *replication.Receiver
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu     sync.Mutex
	handle dbadapter.Handle
}

// New constructs a SnapshotController. sender and recv may be nil if this
// controller never participates in replication (e.g. a follower that only
// consumes, or a sender that never receives).
func New(storage *store.SnapshotStorage, db dbadapter.DB, sender *replication.Sender, recv *replication.Receiver, logger *slog.Logger, rec *metrics.Recorder) *SnapshotController {
	return &SnapshotController{
		storage: storage,
		db:      db,
		sender:  sender,
		recv:    recv,
		logger:  logging.Default(logger).With("component", "controller"),
		metrics: metrics.Default(rec),
	}
}

// Open opens the database rooted at the runtime directory. It is
// idempotent within a single lifetime: calling it again while already
// open is a no-op that keeps the existing handle without re-opening.
func (c *SnapshotController) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		return nil
	}

	h, err := c.db.CreateDB(ctx, c.storage.GetRuntimeDirectory())
	if err != nil {
		return fmt.Errorf("controller: open: %w", err)
	}
	c.handle = h
	return nil
}

// Close closes the open handle, if any, and returns to the closed state.
func (c *SnapshotController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	if err != nil {
		return fmt.Errorf("controller: close: %w", err)
	}
	return nil
}

// TakeTempSnapshot dumps the currently-open database into a fresh pending
// directory for lowerBoundPosition, without committing it. Returns
// (zero, false, nil) if a committed snapshot already covers
// lowerBoundPosition (no redundant work), and (zero, false, ErrNotOpen)
// if the database is closed. On dump failure the pending directory is left on disk as-is, for a
// caller to retry or clean up.
func (c *SnapshotController) TakeTempSnapshot(ctx context.Context, lowerBoundPosition uint64) (snapshot.Snapshot, bool, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveSnapshotOperation("take_temp", time.Since(start)) }()

	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle == nil {
		c.logger.Error("take snapshot: database not open")
		return snapshot.Snapshot{}, false, ErrNotOpen
	}

	pending, ok := c.storage.GetPendingSnapshotFor(lowerBoundPosition)
	if !ok {
		return snapshot.Snapshot{}, false, nil
	}

	if err := handle.CreateSnapshot(ctx, pending.Path); err != nil {
		c.logger.Error("take snapshot", "id", pending.ID, "error", err)
		return snapshot.Snapshot{}, false, fmt.Errorf("controller: take snapshot %s: %w", pending.ID, err)
	}
	return pending, true, nil
}

// CommitSnapshot delegates to the storage layer, promoting a pending
// snapshot produced by TakeTempSnapshot to committed.
func (c *SnapshotController) CommitSnapshot(pending snapshot.Snapshot) (snapshot.Snapshot, bool) {
	return c.storage.CommitSnapshot(pending)
}

// TakeSnapshot captures the current database state into a pending
// snapshot for lowerBoundPosition and commits it. Returns the committed
// Snapshot. If a committed snapshot already covers lowerBoundPosition (or
// a later position), no new snapshot is taken and ok is false. It is the
// composition of TakeTempSnapshot and CommitSnapshot; if the first step
// fails or is skipped, the second is never attempted.
func (c *SnapshotController) TakeSnapshot(ctx context.Context, lowerBoundPosition uint64) (snapshot.Snapshot, bool, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveSnapshotOperation("take", time.Since(start)) }()

	pending, ok, err := c.TakeTempSnapshot(ctx, lowerBoundPosition)
	if err != nil || !ok {
		return snapshot.Snapshot{}, false, err
	}

	committed, ok := c.CommitSnapshot(pending)
	if !ok {
		return snapshot.Snapshot{}, false, nil
	}
	c.logger.Info("committed snapshot", "id", committed.ID)
	return committed, true, nil
}

// ReplicateLatestSnapshot sends the latest committed snapshot to peers.
// It requires a Sender to have been supplied to New.
func (c *SnapshotController) ReplicateLatestSnapshot(ctx context.Context, peers []string, exec replication.Executor) error {
	if c.sender == nil {
		return fmt.Errorf("controller: no replication sender configured")
	}
	start := time.Now()
	defer func() { c.metrics.ObserveSnapshotOperation("replicate", time.Since(start)) }()
	return c.sender.ReplicateLatest(ctx, peers, exec)
}

// IngestReplicatedChunk feeds a chunk received from a peer into this
// controller's receiver. It requires a Receiver to have been supplied to
// New.
func (c *SnapshotController) IngestReplicatedChunk(ctx context.Context, chunk snapshot.Chunk) (bool, error) {
	if c.recv == nil {
		return false, fmt.Errorf("controller: no replication receiver configured")
	}
	return c.recv.Ingest(ctx, chunk)
}

// Recover rebuilds the runtime database from the newest committed
// snapshot that still opens cleanly, discarding any newer snapshots that
// fail along the way. If a handle is already open it is closed first. If
// there are no committed snapshots at all, Recover opens a fresh empty
// database, since there is nothing to recover from.
//
// A snapshot that fails to open is treated as corrupt and deleted from
// storage, never retried. Recover does not verify snapshot checksums.
func (c *SnapshotController) Recover(ctx context.Context) error {
	start := time.Now()
	defer func() { c.metrics.ObserveSnapshotOperation("recover", time.Since(start)) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			c.logger.Warn("recover: close existing handle", "error", err)
		}
		c.handle = nil
	}

	snaps, err := c.storage.GetSnapshots()
	if err != nil {
		return fmt.Errorf("controller: recover: list snapshots: %w", err)
	}

	if len(snaps) == 0 {
		h, err := c.resetRuntimeAndOpen(ctx, "")
		if err != nil {
			return fmt.Errorf("controller: recover: open fresh database: %w", err)
		}
		c.handle = h
		return nil
	}

	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	snapshot.SortIDsDescending(ids)

	for _, id := range ids {
		h, err := c.resetRuntimeAndOpen(ctx, id)
		if err != nil {
			c.logger.Warn("recover: candidate snapshot failed to open, discarding", "id", id, "error", err)
			c.metrics.IncrCorruption("db-open")
			if delErr := c.storage.DeleteSnapshot(id); delErr != nil {
				c.logger.Error("recover: delete bad snapshot", "id", id, "error", delErr)
			}
			continue
		}
		c.handle = h
		c.logger.Info("recovered from snapshot", "id", id)
		return nil
	}

	return ErrRecoveryExhausted
}

// resetRuntimeAndOpen clears the runtime directory, optionally copies a
// committed snapshot's files into it, and opens the database there. An
// empty id means start fresh with no seed data.
func (c *SnapshotController) resetRuntimeAndOpen(ctx context.Context, id string) (dbadapter.Handle, error) {
	runtimeDir := c.storage.GetRuntimeDirectory()
	if err := clearDir(runtimeDir); err != nil {
		return nil, fmt.Errorf("clear runtime directory: %w", err)
	}

	if id != "" {
		if err := c.storage.CopySnapshotInto(id, runtimeDir); err != nil {
			return nil, fmt.Errorf("copy snapshot into runtime: %w", err)
		}
	}

	h, err := c.db.CreateDB(ctx, runtimeDir)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// GetValidSnapshotsCount returns the number of committed snapshots
// currently on disk. It is a read-only view over storage and does not
// require a handle to be open.
func (c *SnapshotController) GetValidSnapshotsCount() (int, error) {
	snaps, err := c.storage.GetSnapshots()
	if err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// GetLastValidSnapshotDirectory returns the directory of the newest
// committed snapshot, if any.
func (c *SnapshotController) GetLastValidSnapshotDirectory() (string, bool) {
	latest, ok := c.storage.GetLatestSnapshot()
	if !ok {
		return "", false
	}
	return latest.Path, true
}

// clearDir removes dir (if present) and recreates it empty.
func clearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}
