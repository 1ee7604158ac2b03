// Package prune slims an exported image directory down to the layers its
// base image does not already provide.
//
// The directory is the "dir:" transport layout written by skopeo: a
// manifest.json next to one file per blob, each named by the hex part of its
// digest.
//
//	pruner := prune.NewPruner(logging.NewPipeline(logger, "slimfast"))
//	result, err := pruner.Prune(ctx, "/tmp/export", baseMetadata.Layers)
//	if err != nil {
//		return err
//	}
//	fmt.Println(result.FootprintString())
//
// Pruning rewrites manifest.json in place, then deletes the blob of every
// base layer found in the directory. Deleting is best effort: a blob that
// cannot be removed is logged and recorded in Result.Failed, and the
// remaining blobs are still processed.
package prune

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/logging"
)

// ManifestFile is the manifest name inside an exported image directory.
const ManifestFile = "manifest.json"

// Result describes the outcome of a prune
type Result struct {
	// Kept are the manifest entries left in the rewritten manifest.
	Kept []ocispec.Descriptor
	// Redundant are the manifest entries dropped because the base has them.
	Redundant []ocispec.Descriptor
	// Removed lists the base digests whose blob was deleted from disk.
	Removed []string
	// Failed maps base digests to the error that kept their blob on disk.
	Failed map[string]error
	// Footprint is the total size of the regular files left in the directory.
	Footprint int64
}

// FootprintString renders the footprint for people
func (r *Result) FootprintString() string {
	return datasize.ByteSize(r.Footprint).HumanReadable()
}

// Pruner removes base image layers from an exported image directory
type Pruner struct {
	log    *logging.Pipeline
	remove func(name string) error
}

// NewPruner creates a pruner logging through log
func NewPruner(log *logging.Pipeline) *Pruner {
	if log == nil {
		log = logging.NewPipeline(nil, "prune")
	}
	return &Pruner{log: log, remove: os.Remove}
}

// Prune rewrites dir's manifest without the layers listed in base and
// deletes their blobs. A missing manifest is a ManifestNotFound error; blob
// deletion failures are not fatal.
func (p *Pruner) Prune(ctx context.Context, dir string, base []string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(dir, ManifestFile)
	m, err := readManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	kept, redundant := Partition(m.Layers, base)
	m.Layers = kept
	if err := writeManifest(manifestPath, m); err != nil {
		return nil, err
	}

	result := &Result{
		Kept:      kept,
		Redundant: redundant,
		Removed:   []string{},
		Failed:    make(map[string]error),
	}

	for _, d := range base {
		removed, size, err := p.removeBlob(dir, d)
		if err != nil {
			failure := toolerrors.NewErrorBuilder().
				Kind(toolerrors.KindBlobDeletionFailure).
				Operation("remove_blob").
				Reference(d).
				Message("could not remove layer blob").
				Cause(err).
				Build()
			result.Failed[d] = failure
			p.log.Warn(ctx, failure, "Skipping layer that could not be removed")
			continue
		}
		if removed {
			p.log.LayerRemoved(ctx, BlobName(d), size)
			result.Removed = append(result.Removed, d)
		}
	}

	footprint, err := DirectorySize(dir)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindUnknown, "footprint", err, "failed to measure %s", dir)
	}
	result.Footprint = footprint

	p.log.WithContext(ctx).WithField("footprint", footprint).
		Infof("Pruning complete. Final size: %s", result.FootprintString())
	return result, nil
}

// BlobName is the file name of a layer blob: the digest text after the first
// ':'. Strings without an algorithm prefix are used as they are.
func BlobName(d string) string {
	if !strings.Contains(d, ":") {
		return d
	}
	return digest.Digest(d).Encoded()
}

// removeBlob deletes the blob for d under dir. A blob that does not exist is
// not an error and reports removed=false. Blob names must be a single path
// element and symlinks are removed, not followed.
func (p *Pruner) removeBlob(dir, d string) (removed bool, size int64, err error) {
	blobName := BlobName(d)
	if blobName == "" {
		return false, 0, nil
	}
	if blobName != filepath.Base(blobName) || blobName == "." || blobName == ".." || blobName == ManifestFile {
		return false, 0, fmt.Errorf("digest %q does not name a blob file", d)
	}
	path := filepath.Join(dir, blobName)

	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if info.IsDir() {
		return false, 0, nil
	}

	if err := p.remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.Size(), nil
}

// DirectorySize sums the sizes of the regular files directly inside dir.
// Sizes are always read relative to dir, never the process working directory.
func DirectorySize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindManifestNotFound).
			Operation("prune").
			Reference(path).
			Message("manifest not found").
			Build()
	}
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindInvalidManifest, "prune", err, "failed to read %s", path)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindInvalidManifest, "prune", err, "failed to parse %s", path)
	}
	return m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindInvalidManifest, "prune", err, "failed to encode manifest")
	}

	info, err := os.Stat(path)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindInvalidManifest, "prune", err, "failed to stat %s", path)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, info.Mode().Perm()); err != nil {
		return toolerrors.Wrap(toolerrors.KindInvalidManifest, "prune", err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return toolerrors.Wrap(toolerrors.KindInvalidManifest, "prune", err, "failed to replace %s", path)
	}
	return nil
}
