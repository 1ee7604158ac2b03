package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/execx"
	"github.com/bibin-skaria/cosplay/internal/types"
)

// inspectRecord is the subset of `podman inspect` output we rely on. docker
// inspect emits the same fields.
type inspectRecord struct {
	ID      string `json:"Id"`
	Created string `json:"Created"`
	RootFS  struct {
		Type   string   `json:"Type"`
		Layers []string `json:"Layers"`
	} `json:"RootFS"`
}

// PodmanInspector runs `<binary> inspect <ref>` and parses its JSON output
type PodmanInspector struct {
	binary  string
	runner  execx.Runner
	timeout time.Duration
}

// NewPodmanInspector creates an inspector for the given podman binary
func NewPodmanInspector(binary string, runner execx.Runner, timeout time.Duration) *PodmanInspector {
	if binary == "" {
		binary = "/usr/bin/podman"
	}
	if runner == nil {
		runner = execx.NewExecRunner()
	}
	return &PodmanInspector{
		binary:  binary,
		runner:  runner,
		timeout: timeout,
	}
}

// Inspect resolves the creation time and root filesystem layers of ref
func (p *PodmanInspector) Inspect(ctx context.Context, ref types.ImageReference) (*types.ImageMetadata, error) {
	if err := ValidateReference(ref); err != nil {
		return nil, err
	}

	result, err := p.runner.Run(ctx, execx.Command{
		Program: p.binary,
		Args:    []string{"inspect", string(ref)},
		Timeout: p.timeout,
	})
	if err != nil {
		if toolerrors.IsKind(err, toolerrors.KindExternalToolTimeout) {
			return nil, err
		}
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindInspectionFailure).
			Operation("inspect").
			Reference(string(ref)).
			Message("could not run the inspection tool").
			Cause(err).
			Build()
	}

	if !result.Success() {
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindInspectionFailure).
			Operation("inspect").
			Reference(string(ref)).
			Messagef("inspection tool exited with status %d", result.ExitCode).
			Diagnostic(result.Stderr).
			Metadata("exit_code", result.ExitCode).
			Build()
	}

	meta, err := ParseInspectOutput([]byte(result.Stdout))
	if err != nil {
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindInspectionFailure).
			Operation("parse_inspect").
			Reference(string(ref)).
			Message("unexpected inspection output").
			Cause(err).
			Build()
	}
	return meta, nil
}

// ParseInspectOutput decodes the JSON array printed by `inspect` and
// normalizes its first record.
func ParseInspectOutput(data []byte) (*types.ImageMetadata, error) {
	var records []inspectRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode inspect output: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("inspect output contains no images")
	}

	record := records[0]
	created, err := ParseCreated(record.Created)
	if err != nil {
		return nil, err
	}

	layers := make([]string, len(record.RootFS.Layers))
	copy(layers, record.RootFS.Layers)

	return &types.ImageMetadata{
		Created: created,
		Layers:  layers,
	}, nil
}
