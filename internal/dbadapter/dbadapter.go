// Package dbadapter defines the narrow capability the snapshot controller
// needs from the embedded database it manages: open a handle rooted at a
// runtime directory, and ask that handle for a self-contained copy of its
// current state into an empty target directory.
//
// This mirrors the shape of raft.FSM's Snapshot/Restore/Persist split
// (hashicorp/raft): the controller never reaches into database internals,
// it only calls CreateSnapshot and lets the concrete adapter decide how to
// produce a consistent copy.
package dbadapter

import "context"

// Handle is a single database instance bound to a runtime directory.
type Handle interface {
	// CreateSnapshot writes a consistent, self-contained copy of the
	// handle's current state into targetDirectory, which must already
	// exist and be empty. It must not observe writes that commit after
	// CreateSnapshot returns.
	CreateSnapshot(ctx context.Context, targetDirectory string) error

	// Close releases every resource held by the handle. After Close, no
	// other method may be called.
	Close() error
}

// DB opens database handles rooted at a runtime directory. Implementations
// must not hold any global or package-level state: every handle is
// independent, so a controller can open, close, and reopen without any
// adapter-owned state leaking between generations.
type DB interface {
	// CreateDB opens (creating if necessary) a database rooted at
	// directory and returns a handle to it.
	CreateDB(ctx context.Context, directory string) (Handle, error)
}
