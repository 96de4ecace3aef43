// Package archive packs a committed snapshot directory into a single
// tar+zstd stream and ships it to an object store. This is additive,
// cold-storage insurance: recovery never depends on it, only on the local
// committed snapshots store.SnapshotStorage already manages.
//
// Shipping follows whichever Uploader the deployment wires in (S3, GCS,
// or Azure Blob).
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Uploader ships a named archive stream to cold storage. Implementations
// must read r to completion; name is a storage-relative key, not a local
// path.
type Uploader interface {
	Upload(ctx context.Context, name string, r io.Reader) error
}

// Pack writes a tar+zstd archive of every regular file directly inside
// dir to w. It does not recurse into subdirectories: committed snapshot
// directories are flat by construction.
func Pack(dir string, w io.Writer) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("archive: new zstd writer: %w", err)
	}
	defer enc.Close()

	tw := tar.NewWriter(enc)
	defer tw.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("archive: read dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addFile(tw, dir, e.Name()); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("archive: close tar writer: %w", err)
	}
	return enc.Close()
}

func addFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", name, err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("archive: build header for %s: %w", name, err)
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header for %s: %w", name, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive: copy %s: %w", name, err)
	}
	return nil
}

// Upload packs dir and uploads the result to up under name using a pipe so
// packing and uploading overlap instead of buffering the whole archive in
// memory first.
func Upload(ctx context.Context, up Uploader, dir, name string) error {
	pr, pw := io.Pipe()

	packErr := make(chan error, 1)
	go func() {
		err := Pack(dir, pw)
		packErr <- err
		pw.CloseWithError(err)
	}()

	if err := up.Upload(ctx, name, pr); err != nil {
		pr.CloseWithError(err)
		<-packErr
		return fmt.Errorf("archive: upload %s: %w", name, err)
	}
	if err := <-packErr; err != nil {
		return fmt.Errorf("archive: pack %s: %w", name, err)
	}
	return nil
}
