package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

type memUploader struct {
	name string
	data []byte
}

func (m *memUploader) Upload(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.name = name
	m.data = data
	return nil
}

func TestPackProducesReadableTarZstd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.dat"), []byte("alpha"), 0o600); err != nil {
		t.Fatalf("write a.dat: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.dat"), []byte("beta"), 0o600); err != nil {
		t.Fatalf("write b.dat: %v", err)
	}

	var buf bytes.Buffer
	if err := Pack(dir, &buf); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar Next: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read tar entry: %v", err)
		}
		got[hdr.Name] = string(content)
	}

	want := map[string]string{"a.dat": "alpha", "b.dat": "beta"}
	for name, content := range want {
		if got[name] != content {
			t.Fatalf("entry %s = %q, want %q", name, got[name], content)
		}
	}
}

func TestUploadPacksAndDeliversToUploader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.dat"), []byte("alpha"), 0o600); err != nil {
		t.Fatalf("write a.dat: %v", err)
	}

	up := &memUploader{}
	if err := Upload(context.Background(), up, dir, "snapshots/1.tar.zst"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if up.name != "snapshots/1.tar.zst" {
		t.Fatalf("uploaded name = %s", up.name)
	}
	if len(up.data) == 0 {
		t.Fatal("expected non-empty archive data")
	}
}
