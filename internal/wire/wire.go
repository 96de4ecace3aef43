// Package wire provides the on-the-wire encoding for replication chunks:
// github.com/vmihailenco/msgpack/v5, the same codec the fluentfwd ingester
// uses for its framing, chosen here for the same reason — compact, fast,
// and schema-free enough that adding a field to snapshot.Chunk does not
// break decoders that predate it.
package wire

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"snapctl/internal/snapshot"
)

// chunkWire is the wire representation of a snapshot.Chunk. It is kept
// separate from snapshot.Chunk itself so the in-memory type is free to
// grow fields that never need to cross the wire.
type chunkWire struct {
	SnapshotID       string `msgpack:"snapshot_id"`
	TotalCount       uint32 `msgpack:"total_count"`
	ChunkName        string `msgpack:"chunk_name"`
	Content          []byte `msgpack:"content"`
	Checksum         uint64 `msgpack:"checksum"`
	SnapshotChecksum uint64 `msgpack:"snapshot_checksum"`
}

// Encode serializes a chunk for transport.
func Encode(c snapshot.Chunk) ([]byte, error) {
	w := chunkWire{
		SnapshotID:       c.SnapshotID,
		TotalCount:       c.TotalCount,
		ChunkName:        c.ChunkName,
		Content:          c.Content,
		Checksum:         c.Checksum,
		SnapshotChecksum: c.SnapshotChecksum,
	}
	b, err := msgpack.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("wire: encode chunk: %w", err)
	}
	return b, nil
}

// Decode deserializes a chunk received from transport.
func Decode(data []byte) (snapshot.Chunk, error) {
	var w chunkWire
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return snapshot.Chunk{}, fmt.Errorf("wire: decode chunk: %w", err)
	}
	return snapshot.Chunk{
		SnapshotID:       w.SnapshotID,
		TotalCount:       w.TotalCount,
		ChunkName:        w.ChunkName,
		Content:          w.Content,
		Checksum:         w.Checksum,
		SnapshotChecksum: w.SnapshotChecksum,
	}, nil
}

// Encoder writes a stream of chunks to w, one msgpack value per chunk, for
// transports that keep a long-lived connection open rather than framing
// each chunk as an independent message.
type Encoder struct {
	enc *msgpack.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: msgpack.NewEncoder(w)}
}

// Encode writes a single chunk to the stream.
func (e *Encoder) Encode(c snapshot.Chunk) error {
	w := chunkWire{
		SnapshotID:       c.SnapshotID,
		TotalCount:       c.TotalCount,
		ChunkName:        c.ChunkName,
		Content:          c.Content,
		Checksum:         c.Checksum,
		SnapshotChecksum: c.SnapshotChecksum,
	}
	if err := e.enc.Encode(&w); err != nil {
		return fmt.Errorf("wire: encode chunk: %w", err)
	}
	return nil
}

// Decoder reads a stream of chunks written by an Encoder.
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(r)}
}

// Decode reads a single chunk from the stream.
func (d *Decoder) Decode() (snapshot.Chunk, error) {
	var w chunkWire
	if err := d.dec.Decode(&w); err != nil {
		return snapshot.Chunk{}, err
	}
	return snapshot.Chunk{
		SnapshotID:       w.SnapshotID,
		TotalCount:       w.TotalCount,
		ChunkName:        w.ChunkName,
		Content:          w.Content,
		Checksum:         w.Checksum,
		SnapshotChecksum: w.SnapshotChecksum,
	}, nil
}
