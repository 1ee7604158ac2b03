package prune

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ArchiveMediaType describes the stream written by Archive.
const ArchiveMediaType = "application/x-tar+zstd"

// Archive writes the regular files directly inside dir to w as a
// zstd-compressed tar stream, in name order. Modification times are zeroed
// so archiving the same directory twice gives identical bytes.
func Archive(ctx context.Context, dir string, w io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	tarWriter := tar.NewWriter(encoder)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			tarWriter.Close()
			encoder.Close()
			return err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if err := addFileToTar(tarWriter, filepath.Join(dir, entry.Name()), entry.Name()); err != nil {
			tarWriter.Close()
			encoder.Close()
			return fmt.Errorf("failed to archive %s: %w", entry.Name(), err)
		}
	}

	if err := tarWriter.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close zstd encoder: %w", err)
	}
	return nil
}

// ArchiveFile archives dir into a new file at path. The archive may not be
// written inside dir itself.
func ArchiveFile(ctx context.Context, dir, path string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if filepath.Dir(absPath) == absDir {
		return fmt.Errorf("archive %s must not be written inside %s", path, dir)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := Archive(ctx, dir, f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func addFileToTar(tw *tar.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	header.ModTime = time.Unix(0, 0)
	header.AccessTime = time.Time{}
	header.ChangeTime = time.Time{}
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""
	header.Format = tar.FormatPAX

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
