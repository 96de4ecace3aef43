package boltkv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateDBIsIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	adapter := New()
	ctx := context.Background()

	h, err := adapter.CreateDB(ctx, dir)
	if err != nil {
		t.Fatalf("CreateDB: %v", err)
	}
	hb := h.(*handle)
	if err := hb.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := adapter.CreateDB(ctx, dir)
	if err != nil {
		t.Fatalf("reopen CreateDB: %v", err)
	}
	defer h2.Close()

	got, err := h2.(*handle).Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get = %q, want v", got)
	}
}

func TestCreateSnapshotProducesUsableCopy(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := filepath.Join(t.TempDir(), "snap")

	adapter := New()
	ctx := context.Background()

	h, err := adapter.CreateDB(ctx, srcDir)
	if err != nil {
		t.Fatalf("CreateDB: %v", err)
	}
	hb := h.(*handle)
	if err := hb.Put([]byte("answer"), []byte("42")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := h.CreateSnapshot(ctx, dstDir); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h2, err := adapter.CreateDB(ctx, dstDir)
	if err != nil {
		t.Fatalf("CreateDB on snapshot copy: %v", err)
	}
	defer h2.Close()

	got, err := h2.(*handle).Get([]byte("answer"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "42" {
		t.Fatalf("Get = %q, want 42", got)
	}
}

func TestCreateDBFailsOnCorruptDatabase(t *testing.T) {
	dstDir := t.TempDir()
	badFile := filepath.Join(dstDir, dataFileName)
	if err := os.WriteFile(badFile, []byte("not a real bolt database"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	adapter := New()
	if _, err := adapter.CreateDB(context.Background(), dstDir); err == nil {
		t.Fatal("expected opening a corrupt database file to fail")
	}
}
