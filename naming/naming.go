// Package naming derives package identity and release tags from image
// references and creation times.
package naming

import (
	"fmt"
	"strings"
	"time"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/types"
)

// BuildTagLayout renders a build tag as YYYYMMDDHHMMSS.
const BuildTagLayout = "20060102150405"

// DeriveIdentity splits host-path/name:version into its namespace, package
// name and version. The version follows the last ':' and the namespace is
// everything before the last '/' of what remains.
func DeriveIdentity(ref types.ImageReference) (types.Identity, error) {
	raw := string(ref)

	colon := strings.LastIndex(raw, ":")
	if colon < 0 {
		return types.Identity{}, malformed(raw, "missing ':' before the version")
	}
	repository, version := raw[:colon], raw[colon+1:]

	slash := strings.LastIndex(repository, "/")
	if slash < 0 {
		return types.Identity{}, malformed(raw, "missing '/' before the image name")
	}
	namespace, pkg := repository[:slash], repository[slash+1:]

	switch {
	case version == "":
		return types.Identity{}, malformed(raw, "empty version")
	case pkg == "":
		return types.Identity{}, malformed(raw, "empty image name")
	case namespace == "":
		return types.Identity{}, malformed(raw, "empty namespace")
	}

	return types.Identity{
		Namespace: namespace,
		Package:   pkg,
		Version:   version,
	}, nil
}

// FormatBuildTag renders t in UTC as a fixed-width YYYYMMDDHHMMSS string.
// Tags sort lexically in the same order as the instants they came from, to
// the second.
func FormatBuildTag(t time.Time) string {
	return t.UTC().Format(BuildTagLayout)
}

// Summary is the one-line package description for an image.
func Summary(ref types.ImageReference) string {
	return fmt.Sprintf("RPM package for container image %s", ref)
}

// UnitFileName is the name of the systemd unit generated for a package.
func UnitFileName(id types.Identity) string {
	return id.Package + ".service"
}

func malformed(ref, reason string) error {
	return toolerrors.NewErrorBuilder().
		Kind(toolerrors.KindMalformedReference).
		Operation("derive_identity").
		Reference(ref).
		Messagef("image reference must look like host-path/name:version: %s", reason).
		Build()
}
