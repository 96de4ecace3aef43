// Package boltkv implements dbadapter.DB over go.etcd.io/bbolt, the
// embedded KV store used elsewhere in this stack's Raft log backend. It is
// the concrete database this repository's recovery path is tested against.
package boltkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"snapctl/internal/dbadapter"
)

const dataFileName = "data.db"

var defaultBucket = []byte("snapctl")

// Adapter implements dbadapter.DB over bbolt.
type Adapter struct{}

// New returns a bbolt-backed dbadapter.DB.
func New() *Adapter { return &Adapter{} }

var _ dbadapter.DB = (*Adapter)(nil)

// CreateDB opens (creating if necessary) a bbolt database file at
// directory/data.db and ensures the default bucket exists.
func (Adapter) CreateDB(_ context.Context, directory string) (dbadapter.Handle, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("boltkv: create directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(directory, dataFileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltkv: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltkv: ensure bucket: %w", err)
	}

	return &handle{db: db}, nil
}

type handle struct {
	db *bolt.DB
}

var _ dbadapter.Handle = (*handle)(nil)

// CreateSnapshot writes a consistent copy of the database file into
// targetDirectory using bbolt's Tx.CopyFile, which holds a read
// transaction open for the duration of the copy so writers never observe
// a torn file.
func (h *handle) CreateSnapshot(_ context.Context, targetDirectory string) error {
	if err := os.MkdirAll(targetDirectory, 0o755); err != nil {
		return fmt.Errorf("boltkv: create snapshot directory: %w", err)
	}
	dest := filepath.Join(targetDirectory, dataFileName)
	err := h.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(dest, 0o600)
	})
	if err != nil {
		return fmt.Errorf("boltkv: copy file: %w", err)
	}
	return nil
}

// Close releases the underlying bbolt file handle.
func (h *handle) Close() error {
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("boltkv: close: %w", err)
	}
	return nil
}

// Put writes a key/value pair in the default bucket, used by tests and by
// callers exercising the database between snapshots.
func (h *handle) Put(key, value []byte) error {
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Put(key, value)
	})
}

// Get reads a key from the default bucket. The returned slice is only
// valid until the next write.
func (h *handle) Get(key []byte) ([]byte, error) {
	var out []byte
	err := h.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(defaultBucket).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}
