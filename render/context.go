package render

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/bibin-skaria/cosplay/internal/types"
	"github.com/bibin-skaria/cosplay/naming"
)

// Context keys understood by the package templates.
const (
	KeyTempDir               = "temp_dir"
	KeyPackage               = "package"
	KeyPackageHost           = "package_host"
	KeyVersion               = "version"
	KeyVersionDatestring     = "version_datestring"
	KeySummary               = "summary"
	KeyCosplayDir            = "cosplay_dir"
	KeyService               = "service"
	KeyBase                  = "base"
	KeyBaseVersion           = "base_version"
	KeyBaseVersionDatestring = "base_version_datestring"
	KeyNetworkArgs           = "network_args"
	KeyEnvironmentArgs       = "environment_args"
	KeyVolumeArgs            = "volume_args"
)

// Context is the value mapping handed to the template renderer
type Context map[string]interface{}

// String returns the string value stored under key, or "" when key is unset
// or not a string.
func (c Context) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Has reports whether key is set
func (c Context) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// Inputs is everything a template context is derived from.
type Inputs struct {
	// WorkArea is the staging directory of the run.
	WorkArea string
	// InstallDir is where the templates were loaded from.
	InstallDir string
	Image      types.ResolvedImage
	// Base is nil for packages built from scratch.
	Base    *types.ResolvedImage
	Service types.ServiceOptions
}

// BuildContext assembles the template context for one packaging run. The
// result depends only on in.
func BuildContext(in Inputs) Context {
	ctx := Context{
		KeyTempDir:           in.WorkArea,
		KeyPackage:           in.Image.Identity.Package,
		KeyPackageHost:       in.Image.Identity.Namespace,
		KeyVersion:           in.Image.Identity.Version,
		KeyVersionDatestring: buildTag(in.Image.Metadata),
		KeySummary:           naming.Summary(in.Image.Reference),
		KeyCosplayDir:        in.InstallDir,
		KeyService:           in.Service.Enabled,
	}

	if in.Service.Enabled {
		ctx[KeyNetworkArgs] = JoinFlag("-p", in.Service.Ports)
		ctx[KeyEnvironmentArgs] = JoinFlag("-e", in.Service.Env)
		ctx[KeyVolumeArgs] = JoinFlag("-v", in.Service.Volumes)
	}

	if in.Base != nil {
		ctx[KeyBase] = in.Base.Identity.Package
		ctx[KeyBaseVersion] = in.Base.Identity.Version
		ctx[KeyBaseVersionDatestring] = buildTag(in.Base.Metadata)
	}

	return ctx
}

// JoinFlag renders values as "flag v1 flag v2 ...". Entries are used as
// given; an empty list renders as "".
func JoinFlag(flag string, values []string) string {
	tokens := lo.Map(values, func(v string, _ int) string {
		return fmt.Sprintf("%s %s", flag, v)
	})
	return strings.Join(tokens, " ")
}

func buildTag(meta *types.ImageMetadata) string {
	if meta == nil {
		return ""
	}
	return naming.FormatBuildTag(meta.Created)
}
