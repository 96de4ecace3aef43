package metrics

import (
	"testing"
	"time"
)

func TestDiscardDoesNotPanic(t *testing.T) {
	var r *Recorder
	r = Default(r)
	r.ObserveSnapshotOperation("take", 10*time.Millisecond)
	r.IncrCorruption("chunk")
	r.IncrSkippedCommit()
}

func TestNewRecordsObservations(t *testing.T) {
	r, err := New("snapctl-test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.ObserveSnapshotOperation("take", 5*time.Millisecond)
	r.IncrCorruption("snapshot")
}
