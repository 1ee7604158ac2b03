package types

import (
	"strings"
	"time"
)

// ScratchBase is the command-line spelling of "no base image".
const ScratchBase = "scratch"

// ImageReference is a user supplied image reference of the form
// host-path/name:version.
type ImageReference string

func (r ImageReference) String() string {
	return string(r)
}

// BaseFromFlag maps the --base flag onto an optional reference. The scratch
// sentinel and the empty string both mean the package has no base.
func BaseFromFlag(value string) *ImageReference {
	value = strings.TrimSpace(value)
	if value == "" || value == ScratchBase {
		return nil
	}
	ref := ImageReference(value)
	return &ref
}

// Identity is the package naming derived from an image reference.
type Identity struct {
	Namespace string `json:"namespace"`
	Package   string `json:"package"`
	Version   string `json:"version"`
}

// ImageMetadata is the normalized record returned by an inspection.
type ImageMetadata struct {
	Created time.Time `json:"created"`
	Layers  []string  `json:"layers"`
}

// ResolvedImage pairs a reference with what was derived and resolved for it.
type ResolvedImage struct {
	Reference ImageReference `json:"reference"`
	Identity  Identity       `json:"identity"`
	Metadata  *ImageMetadata `json:"metadata"`
}

// ServiceOptions controls the systemd unit shipped with a package. Ports,
// Env and Volumes are passed to podman run as -p, -e and -v arguments.
type ServiceOptions struct {
	Enabled bool     `json:"enabled"`
	Ports   []string `json:"ports,omitempty"`
	Env     []string `json:"env,omitempty"`
	Volumes []string `json:"volumes,omitempty"`
}

// BuildRequest is the input of one packaging run.
type BuildRequest struct {
	Image     ImageReference  `json:"image"`
	Base      *ImageReference `json:"base,omitempty"`
	Service   ServiceOptions  `json:"service"`
	OutputDir string          `json:"output_dir,omitempty"`
}

// HasBase reports whether the request declares a base image.
func (r *BuildRequest) HasBase() bool {
	return r.Base != nil
}

// BuildResult describes a finished packaging run. Packages holds the copied
// package paths and is empty when no output directory was requested.
type BuildResult struct {
	WorkArea   string        `json:"work_area"`
	SpecFile   string        `json:"spec_file"`
	UnitFile   string        `json:"unit_file,omitempty"`
	Packages   []string      `json:"packages,omitempty"`
	Duration   time.Duration `json:"duration"`
	BuildTag   string        `json:"build_tag"`
	Identity   Identity      `json:"identity"`
	Base       *Identity     `json:"base,omitempty"`
	ToolOutput string        `json:"tool_output,omitempty"`
}
