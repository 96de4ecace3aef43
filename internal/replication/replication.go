// Package replication implements the replication controller: the sender
// side streams a committed snapshot to peers as checksummed chunks, and
// the receiver side assembles chunks back into a pending snapshot
// directory, verifying every chunk and the whole-snapshot checksum before
// committing the result into storage.
//
// Fan-out on the sender is decoupled from the act of sending through the
// Executor seam, the same pattern the dragonboat reference material uses
// for its own chunk tracking: callers choose InlineExecutor for
// deterministic tests and ErrGroupExecutor for concurrent production use.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"snapctl/internal/logging"
	"snapctl/internal/metrics"
	"snapctl/internal/snapshot"
	"snapctl/internal/store"
)

// ErrChunkChecksumMismatch is returned when a chunk's content does not
// match the checksum it carries.
var ErrChunkChecksumMismatch = errors.New("replication: chunk checksum mismatch")

// ErrSnapshotChecksumMismatch is returned when an assembled snapshot's
// whole-directory checksum does not match the checksum recorded in its
// last chunk.
var ErrSnapshotChecksumMismatch = errors.New("replication: snapshot checksum mismatch")

// ErrDuplicateChunk is returned when a chunk for a chunk name already
// written to the pending directory arrives again with different content.
var ErrDuplicateChunk = errors.New("replication: duplicate chunk")

// Transport is the narrow capability the sender needs to hand a chunk to
// one peer. Implementations in transporttest exercise the receiver's abort
// paths; production wiring implements this over
// whatever the cluster's RPC layer is.
type Transport interface {
	SendChunk(ctx context.Context, peer string, chunk snapshot.Chunk) error
}

// Executor runs a unit of work, possibly asynchronously. InlineExecutor
// runs synchronously for deterministic tests; ErrGroupExecutor fans work
// out across goroutines bounded by an errgroup for production use.
type Executor func(fn func() error) error

// InlineExecutor runs fn synchronously and returns its error.
func InlineExecutor(fn func() error) error {
	return fn()
}

// ErrGroupExecutor returns an Executor that schedules each fn on its own
// goroutine under an errgroup.Group; wait blocks until every fn has
// returned and reports the first error. Sibling work is not cancelled on
// that error: the group's derived context is not handed to fn. The returned Executor's calls are not safely comparable
// across unrelated ReplicateLatest invocations; construct a fresh one per
// call.
func ErrGroupExecutor(ctx context.Context) (exec Executor, wait func() error) {
	g, _ := errgroup.WithContext(ctx)
	return func(fn func() error) error {
			g.Go(fn)
			return nil
		}, func() error {
			return g.Wait()
		}
}

// Sender streams committed snapshots to peers.
type Sender struct {
	storage   *store.SnapshotStorage
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// NewSender constructs a Sender over storage, pushing chunks through transport.
func NewSender(storage *store.SnapshotStorage, transport Transport, logger *slog.Logger, rec *metrics.Recorder) *Sender {
	return &Sender{
		storage:   storage,
		transport: transport,
		logger:    logging.Default(logger).With("component", "replication-sender"),
		metrics:   metrics.Default(rec),
	}
}

// ReplicateLatest sends the latest committed snapshot to every peer in
// peers. Each peer's transmission is submitted through exec, so callers
// control whether peers are sent to serially or concurrently. Returns
// ErrNoSnapshot if there is nothing committed yet.
func (s *Sender) ReplicateLatest(ctx context.Context, peers []string, exec Executor) error {
	latest, ok := s.storage.GetLatestSnapshot()
	if !ok {
		return ErrNoSnapshot
	}

	chunks, err := buildChunks(latest)
	if err != nil {
		return fmt.Errorf("replication: build chunks for snapshot %s: %w", latest.ID, err)
	}

	for _, peer := range peers {
		peer := peer
		if err := exec(func() error {
			return s.sendAll(ctx, peer, chunks)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendAll(ctx context.Context, peer string, chunks []snapshot.Chunk) error {
	for _, c := range chunks {
		if err := s.transport.SendChunk(ctx, peer, c); err != nil {
			s.logger.Error("send chunk", "peer", peer, "snapshot_id", c.SnapshotID, "chunk", c.ChunkName, "error", err)
			return fmt.Errorf("replication: send chunk %s to %s: %w", c.ChunkName, peer, err)
		}
	}
	return nil
}

// ErrNoSnapshot is returned by ReplicateLatest when storage has no
// committed snapshot to send.
var ErrNoSnapshot = errors.New("replication: no committed snapshot to replicate")

// buildChunks builds one snapshot.Chunk per regular file in snap.Path, in
// lexicographically sorted filename order (the same order
// snapshot.DirChecksum reads in), and stamps every chunk with the
// whole-snapshot checksum so the receiver can verify on completion without
// a second round trip.
func buildChunks(snap snapshot.Snapshot) ([]snapshot.Chunk, error) {
	snapChecksum, err := snapshot.DirChecksum(snap.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(snap.Path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	chunks := make([]snapshot.Chunk, 0, len(names))
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(snap.Path, name))
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, snapshot.Chunk{
			SnapshotID: snap.ID,
			ChunkName:  name,
			Content:    content,
			Checksum:   snapshot.ChecksumBytes(content),
		})
	}
	for i := range chunks {
		chunks[i].TotalCount = uint32(len(chunks))
		chunks[i].SnapshotChecksum = snapChecksum
	}
	return chunks, nil
}

// Receiver assembles chunks sent by a Sender into a pending snapshot
// directory and commits it once the directory holds as many files as the
// snapshot is supposed to have and the whole snapshot verifies.
type Receiver struct {
	storage *store.SnapshotStorage
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReceiver constructs a Receiver backed by storage.
func NewReceiver(storage *store.SnapshotStorage, logger *slog.Logger, rec *metrics.Recorder) *Receiver {
	return &Receiver{
		storage: storage,
		logger:  logging.Default(logger).With("component", "replication-receiver"),
		metrics: metrics.Default(rec),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Receiver) lockFor(snapshotID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[snapshotID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[snapshotID] = l
	}
	return l
}

// Ingest validates and writes a single chunk. When the chunk completing
// the count is the one that arrives, Ingest verifies the assembled
// directory's checksum against chunk.SnapshotChecksum and, if it matches,
// commits the snapshot into storage. Returns (false, nil) while the
// snapshot is still incomplete, (true, nil) once it is complete, verified,
// and handed to storage for commit (a commit that storage declines, e.g.
// because the id is already committed, is logged rather than returned),
// and an error if the chunk or the assembled snapshot fails verification —
// callers should treat any error as reason to abort and retry the whole
// snapshot from scratch.
func (r *Receiver) Ingest(ctx context.Context, chunk snapshot.Chunk) (done bool, err error) {
	lock := r.lockFor(chunk.SnapshotID)
	lock.Lock()
	defer lock.Unlock()

	if snapshot.ChecksumBytes(chunk.Content) != chunk.Checksum {
		r.metrics.IncrCorruption("chunk")
		r.logger.Warn("chunk checksum mismatch", "snapshot_id", chunk.SnapshotID, "chunk", chunk.ChunkName)
		r.abort(chunk.SnapshotID)
		return false, fmt.Errorf("%w: snapshot %s chunk %s", ErrChunkChecksumMismatch, chunk.SnapshotID, chunk.ChunkName)
	}

	dir, ok := r.storage.GetPendingDirectoryFor(chunk.SnapshotID)
	if !ok {
		return false, fmt.Errorf("replication: no pending directory for snapshot %s", chunk.SnapshotID)
	}

	dest := filepath.Join(dir, chunk.ChunkName)
	if existing, err := os.ReadFile(dest); err == nil {
		if snapshot.ChecksumBytes(existing) != chunk.Checksum {
			r.abort(chunk.SnapshotID)
			return false, fmt.Errorf("%w: snapshot %s chunk %s", ErrDuplicateChunk, chunk.SnapshotID, chunk.ChunkName)
		}
		return r.checkComplete(chunk)
	}

	if err := writeFileAtomic(dest, chunk.Content); err != nil {
		return false, fmt.Errorf("replication: write chunk %s: %w", chunk.ChunkName, err)
	}

	return r.checkComplete(chunk)
}

// checkComplete decides whether every distinct chunk of chunk.SnapshotID
// has now been written to disk, by counting the regular files actually
// present in the pending directory rather than tracking chunk arrivals —
// a duplicate delivery of an already-written chunk writes nothing new, so
// it must not move this count, and the directory listing is the one
// source of truth both paths through Ingest agree on.
func (r *Receiver) checkComplete(chunk snapshot.Chunk) (bool, error) {
	dir, ok := r.storage.GetPendingDirectoryFor(chunk.SnapshotID)
	if !ok {
		return false, fmt.Errorf("replication: no pending directory for snapshot %s", chunk.SnapshotID)
	}

	n, err := countRegularFiles(dir)
	if err != nil {
		return false, fmt.Errorf("replication: count pending files: %w", err)
	}
	if chunk.TotalCount == 0 || n < int(chunk.TotalCount) {
		return false, nil
	}

	got, err := snapshot.DirChecksum(dir)
	if err != nil {
		return false, fmt.Errorf("replication: checksum assembled snapshot: %w", err)
	}
	if got != chunk.SnapshotChecksum {
		r.metrics.IncrCorruption("snapshot")
		r.logger.Warn("snapshot checksum mismatch", "snapshot_id", chunk.SnapshotID)
		r.abort(chunk.SnapshotID)
		return false, fmt.Errorf("%w: snapshot %s", ErrSnapshotChecksumMismatch, chunk.SnapshotID)
	}

	if _, ok := r.storage.CommitSnapshot(snapshot.Snapshot{ID: chunk.SnapshotID}); !ok {
		r.logger.Warn("replicated snapshot not committed", "snapshot_id", chunk.SnapshotID)
	}
	return true, nil
}

// countRegularFiles returns the number of non-directory entries in dir.
func countRegularFiles(dir string) (int, error) {
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

// abort discards whatever has been assembled so far for snapshotID, so
// the next chunk for that id starts a fresh pending directory. Mirrors the
// dragonboat chunk tracker discarding a temp directory on any failure
// instead of trying to patch up a partially written snapshot.
func (r *Receiver) abort(snapshotID string) {
	if dir, ok := r.storage.GetPendingDirectoryFor(snapshotID); ok {
		_ = os.RemoveAll(dir)
	}
}

// writeFileAtomic writes content to path via a temp file in the same
// directory followed by a rename, so a crash mid-write never leaves a
// partially-written chunk at path.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-chunk-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
