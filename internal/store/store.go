// Package store implements SnapshotStorage: the on-disk layout for a
// partition's snapshots (pending / committed / runtime directories),
// atomic promotion from pending to committed, listing, and pruning.
//
// SnapshotStorage lays out every directory under its root and performs all
// promotions (renames) between them. Callers get Snapshot values and
// directory paths; two of them remove a returned path themselves: the
// replication receiver deletes a pending directory when it aborts an
// assembly, and the controller clears the runtime directory before each
// recovery attempt.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"snapctl/internal/logging"
	"snapctl/internal/metrics"
	"snapctl/internal/snapshot"
)

const (
	pendingDirName   = "pending"
	committedDirName = "snapshots"
	runtimeDirName   = "runtime"
)

// ErrInvalidID is returned when an operation is asked to work with a
// snapshot id that is not a valid non-negative decimal integer.
var ErrInvalidID = errors.New("snapshotstorage: invalid snapshot id")

// SnapshotStorage manages the on-disk layout rooted at Root:
//
//	<root>/runtime/                  -- live DB files while open
//	<root>/pending/<id>/<chunkName>  -- in-progress snapshots
//	<root>/snapshots/<id>/<chunkName> -- committed snapshots
type SnapshotStorage struct {
	root    string
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New creates a SnapshotStorage rooted at root. root is created if it does
// not already exist.
func New(root string, logger *slog.Logger, rec *metrics.Recorder) (*SnapshotStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshotstorage: create root: %w", err)
	}
	return &SnapshotStorage{
		root:    root,
		logger:  logging.Default(logger).With("component", "store"),
		metrics: metrics.Default(rec),
	}, nil
}

func (s *SnapshotStorage) observe(op string, start time.Time) {
	s.metrics.ObserveSnapshotOperation(op, time.Since(start))
}

// GetPendingDirectoryFor returns <root>/pending/<id>, creating the parent
// tree if needed. It is idempotent: calling it twice for the same id
// returns the same path without disturbing any files already there. ok is
// false only if id is not a well-formed snapshot id.
func (s *SnapshotStorage) GetPendingDirectoryFor(id string) (dir string, ok bool) {
	if !validID(id) {
		return "", false
	}
	dir = filepath.Join(s.root, pendingDirName, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("create pending directory", "id", id, "error", err)
		return "", false
	}
	return dir, true
}

// GetPendingSnapshotFor reserves a pending snapshot directory for the
// given log position. It returns (zero, false) if a committed snapshot for
// a position at or after lowerBoundPosition already exists, since taking a
// new snapshot would be redundant work.
func (s *SnapshotStorage) GetPendingSnapshotFor(lowerBoundPosition uint64) (snapshot.Snapshot, bool) {
	defer s.observe("get_pending_snapshot_for", time.Now())

	id := strconv.FormatUint(lowerBoundPosition, 10)

	latest, hasLatest := s.GetLatestSnapshot()
	if hasLatest && snapshot.CompareIDs(latest.ID, id) >= 0 {
		return snapshot.Snapshot{}, false
	}

	dir, ok := s.GetPendingDirectoryFor(id)
	if !ok {
		return snapshot.Snapshot{}, false
	}
	return snapshot.Snapshot{ID: id, Path: dir}, true
}

// CommitSnapshot atomically promotes the pending directory for snap.ID to
// a committed snapshot. On a single filesystem this is a directory rename,
// which is atomic with respect to crash: observers either see the
// directory fully under snapshots/ or not at all.
//
// Returns (zero, false) if the pending directory is missing. If a
// committed snapshot with the same id already exists, the pending
// directory is discarded and (zero, false) is returned — intentional,
// since the existing committed snapshot wins, but surprising enough
// that it is logged and counted.
func (s *SnapshotStorage) CommitSnapshot(snap snapshot.Snapshot) (snapshot.Snapshot, bool) {
	defer s.observe("commit", time.Now())

	if !validID(snap.ID) {
		s.logger.Error("commit snapshot: invalid id", "id", snap.ID)
		return snapshot.Snapshot{}, false
	}

	pendingDir := filepath.Join(s.root, pendingDirName, snap.ID)
	if _, err := os.Stat(pendingDir); err != nil {
		s.logger.Error("commit snapshot: pending directory missing", "id", snap.ID, "error", err)
		return snapshot.Snapshot{}, false
	}

	committedDir := filepath.Join(s.root, committedDirName, snap.ID)
	if _, err := os.Stat(committedDir); err == nil {
		s.logger.Warn("commit snapshot: already committed, dropping pending copy",
			"id", snap.ID)
		s.metrics.IncrSkippedCommit()
		_ = os.RemoveAll(pendingDir)
		return snapshot.Snapshot{}, false
	}

	if err := os.MkdirAll(filepath.Dir(committedDir), 0o755); err != nil {
		s.logger.Error("commit snapshot: prepare committed dir", "id", snap.ID, "error", err)
		return snapshot.Snapshot{}, false
	}
	if err := moveDir(pendingDir, committedDir); err != nil {
		s.logger.Error("commit snapshot: move", "id", snap.ID, "error", err)
		return snapshot.Snapshot{}, false
	}

	count, _ := countFiles(committedDir)
	return snapshot.Snapshot{ID: snap.ID, Path: committedDir, TotalCount: count}, true
}

// GetSnapshots returns every committed snapshot. Order is unspecified;
// callers that need an order should sort with snapshot.SortIDsDescending.
func (s *SnapshotStorage) GetSnapshots() ([]snapshot.Snapshot, error) {
	root := filepath.Join(s.root, committedDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshotstorage: list snapshots: %w", err)
	}

	out := make([]snapshot.Snapshot, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		count, _ := countFiles(dir)
		out = append(out, snapshot.Snapshot{ID: e.Name(), Path: dir, TotalCount: count})
	}
	return out, nil
}

// GetLatestSnapshot returns the committed snapshot with the numerically
// greatest id.
func (s *SnapshotStorage) GetLatestSnapshot() (snapshot.Snapshot, bool) {
	snaps, err := s.GetSnapshots()
	if err != nil || len(snaps) == 0 {
		return snapshot.Snapshot{}, false
	}
	best := snaps[0]
	for _, snap := range snaps[1:] {
		if snapshot.CompareIDs(snap.ID, best.ID) > 0 {
			best = snap
		}
	}
	return best, true
}

// Exists reports whether a committed snapshot with the given id exists.
func (s *SnapshotStorage) Exists(id string) bool {
	_, err := os.Stat(filepath.Join(s.root, committedDirName, id))
	return err == nil
}

// GetRuntimeDirectory returns the fixed directory the controller uses
// while a database is open.
func (s *SnapshotStorage) GetRuntimeDirectory() string {
	return filepath.Join(s.root, runtimeDirName)
}

// DeleteSnapshot removes a committed snapshot from disk. Used by recovery
// to discard a snapshot that failed to open, and by Prune for retention.
func (s *SnapshotStorage) DeleteSnapshot(id string) error {
	dir := filepath.Join(s.root, committedDirName, id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("snapshotstorage: delete snapshot %s: %w", id, err)
	}
	return nil
}

// CopySnapshotInto copies every regular file from the committed snapshot
// id into destDir, which must already exist. Unlike CommitSnapshot this is
// a plain copy, not a move: the committed snapshot is left untouched,
// since recovery needs to try candidates without destroying the ones it
// rejects.
func (s *SnapshotStorage) CopySnapshotInto(id, destDir string) error {
	src := filepath.Join(s.root, committedDirName, id)
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("snapshotstorage: read snapshot %s: %w", id, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(destDir, e.Name())); err != nil {
			return fmt.Errorf("snapshotstorage: copy %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Prune enforces retention: keep the newest `keep` committed snapshots
// (at least 1 regardless of what is requested) and recursively remove
// the rest.
func (s *SnapshotStorage) Prune(keep int) error {
	if keep < 1 {
		keep = 1
	}
	snaps, err := s.GetSnapshots()
	if err != nil {
		return err
	}
	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = snap.ID
	}
	snapshot.SortIDsDescending(ids)

	if len(ids) <= keep {
		return nil
	}
	for _, id := range ids[keep:] {
		if err := s.DeleteSnapshot(id); err != nil {
			return err
		}
		s.logger.Info("pruned snapshot", "id", id)
	}
	return nil
}

// Metrics returns the storage's metrics recorder, for components that
// share it (e.g. the controller recording its own operations under the
// same sink).
func (s *SnapshotStorage) Metrics() *metrics.Recorder {
	return s.metrics
}

func countFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() {
			n++
		}
	}
	return n, nil
}

// moveDir promotes src to dst. It tries os.Rename first, which is atomic on
// a single filesystem; if that fails with EXDEV (src and dst on different
// devices, e.g. dst is a mounted volume) it falls back to copying src's
// files into dst one at a time and then removing src. Pending and
// committed snapshot directories are always flat (populated only by
// writeFileAtomic and CreateSnapshot, never by a caller making
// subdirectories), so the fallback does not need to recurse. The
// copy+remove path is not atomic, but EXDEV only arises from unusual
// deployment layouts, not the common case.
func moveDir(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, srcInfo.Mode()); err != nil {
		return fmt.Errorf("move dir: create dst: %w", err)
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("move dir: read src: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return fmt.Errorf("move dir: copy %s: %w", entry.Name(), err)
		}
	}
	return os.RemoveAll(src)
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}

func validID(id string) bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}
