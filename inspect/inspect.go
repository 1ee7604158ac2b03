// Package inspect resolves creation time and root filesystem layers for
// container images.
//
// Two inspectors are provided: PodmanInspector shells out to the podman CLI
// and reads the image from local storage, RegistryInspector reads the image
// configuration straight from its registry.
package inspect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/types"
)

// ImageInspector resolves metadata for an image reference
type ImageInspector interface {
	Inspect(ctx context.Context, ref types.ImageReference) (*types.ImageMetadata, error)
}

// ResolveBase inspects a base image. Failures are reported as
// BaseInspectionFailure so they can be told apart from target failures.
func ResolveBase(ctx context.Context, inspector ImageInspector, ref types.ImageReference) (*types.ImageMetadata, error) {
	meta, err := inspector.Inspect(ctx, ref)
	if err != nil {
		if toolerrors.IsKind(err, toolerrors.KindInspectionFailure) || toolerrors.IsKind(err, toolerrors.KindMalformedReference) {
			return nil, toolerrors.Rekind(err, toolerrors.KindBaseInspectionFailure)
		}
		return nil, err
	}
	return meta, nil
}

// ValidateReference rejects strings that are not image references before
// they reach an external command line.
func ValidateReference(ref types.ImageReference) error {
	if _, err := reference.Parse(string(ref)); err != nil {
		return toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindMalformedReference).
			Operation("inspect").
			Reference(string(ref)).
			Message("not a valid image reference").
			Cause(err).
			Build()
	}
	return nil
}

// Timestamp layouts accepted for image creation times. Layouts without a
// zone are interpreted as UTC. Fractional seconds are accepted after the
// seconds field by time.Parse even though the layouts do not spell them out.
var createdLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05Z07",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"20060102T150405Z07:00",
	"20060102T150405Z0700",
	"20060102T150405",
	"2006-01-02 15:04:05 -0700 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCreated parses an image creation timestamp. Both timezone-qualified
// and naive ISO-8601 style values are accepted.
func ParseCreated(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty creation timestamp")
	}

	// podman appends a monotonic clock reading, e.g. "m=+0.000000001".
	if i := strings.Index(value, " m=+"); i >= 0 {
		value = value[:i]
	}

	for _, layout := range createdLayouts {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized creation timestamp %q", value)
}
