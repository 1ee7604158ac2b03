package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
)

// CopyPackages copies built packages into outputDir, creating it if needed,
// and returns the paths of the copies in the same order.
func CopyPackages(packages []string, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindBuildToolFailure, "copy_packages", err, "failed to create %s", outputDir)
	}

	copied := make([]string, 0, len(packages))
	for _, src := range packages {
		dst, err := securejoin.SecureJoin(outputDir, filepath.Base(src))
		if err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindBuildToolFailure, "copy_packages", err, "invalid package name %s", src)
		}
		if err := copyFile(src, dst); err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindBuildToolFailure, "copy_packages", err, "failed to copy %s", filepath.Base(src))
		}
		copied = append(copied, dst)
	}
	return copied, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}

	tmp := dst + ".partial"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
