// Package transporttest provides Transport implementations that misbehave
// on purpose, for exercising the replication receiver's abort paths the
// way a real network or a buggy peer would.
package transporttest

import (
	"context"
	"fmt"

	"snapctl/internal/replication"
	"snapctl/internal/snapshot"
)

// Recording is a replication.Transport that remembers every chunk handed
// to SendChunk, for assertions in tests that don't care about corruption.
type Recording struct {
	Sent []snapshot.Chunk
}

// NewRecording returns a Recording transport.
func NewRecording() *Recording { return &Recording{} }

// SendChunk records chunk and always succeeds.
func (r *Recording) SendChunk(_ context.Context, _ string, chunk snapshot.Chunk) error {
	r.Sent = append(r.Sent, chunk)
	return nil
}

// Direct delivers every chunk straight into a replication.Receiver,
// skipping any actual transport. Used to compose a sender and receiver in
// a single process for tests.
type Direct struct {
	Receiver *replication.Receiver
}

// NewDirect returns a Direct transport delivering into recv.
func NewDirect(recv *replication.Receiver) *Direct {
	return &Direct{Receiver: recv}
}

// SendChunk ingests chunk directly into the wrapped receiver.
func (d *Direct) SendChunk(ctx context.Context, _ string, chunk snapshot.Chunk) error {
	_, err := d.Receiver.Ingest(ctx, chunk)
	return err
}

// EvilReplicator delivers every chunk to the receiver but replaces the
// per-chunk checksum of every chunk from the second one onward with 0, so
// the receiver's per-chunk checksum check must catch it.
type EvilReplicator struct {
	Receiver *replication.Receiver
	sent     int
}

// NewEvilReplicator returns an EvilReplicator delivering into recv.
func NewEvilReplicator(recv *replication.Receiver) *EvilReplicator {
	return &EvilReplicator{Receiver: recv}
}

// SendChunk sets chunk.Checksum to 0 (leaving chunk.Content untouched) for
// every chunk after the first, then ingests it.
func (e *EvilReplicator) SendChunk(ctx context.Context, _ string, chunk snapshot.Chunk) error {
	e.sent++
	if e.sent > 1 {
		chunk.Checksum = 0
	}
	_, err := e.Receiver.Ingest(ctx, chunk)
	return err
}

// FlakyReplicator delivers only the first Deliver chunks out of any
// snapshot's chunk stream and then silently drops the rest, simulating a
// connection that dies partway through a transfer.
type FlakyReplicator struct {
	Receiver *replication.Receiver
	Deliver  int
	sent     int
}

// NewFlakyReplicator returns a FlakyReplicator that only forwards the
// first deliver chunks it sees.
func NewFlakyReplicator(recv *replication.Receiver, deliver int) *FlakyReplicator {
	return &FlakyReplicator{Receiver: recv, Deliver: deliver}
}

// SendChunk ingests the chunk only while under the Deliver budget; beyond
// that it reports success to the sender without actually delivering
// anything, mirroring a transport that drops the tail of a stream without
// surfacing an error until the receiver times out waiting for the rest.
func (f *FlakyReplicator) SendChunk(ctx context.Context, _ string, chunk snapshot.Chunk) error {
	f.sent++
	if f.sent > f.Deliver {
		return nil
	}
	_, err := f.Receiver.Ingest(ctx, chunk)
	if err != nil {
		return fmt.Errorf("flaky replicator: %w", err)
	}
	return nil
}
