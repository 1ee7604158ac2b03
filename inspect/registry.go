package inspect

import (
	"context"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/types"
)

// RegistryInspector reads image configuration directly from a registry.
// Layers are reported as the uncompressed diff IDs, matching what podman
// lists under RootFS.Layers.
type RegistryInspector struct {
	keychain authn.Keychain
	options  []remote.Option
	timeout  time.Duration
}

// NewRegistryInspector creates an inspector using the default keychain
// (docker/podman credential files and helpers). Extra remote options are
// appended to every request. A positive timeout bounds each inspection.
func NewRegistryInspector(timeout time.Duration, opts ...remote.Option) *RegistryInspector {
	return &RegistryInspector{
		keychain: authn.DefaultKeychain,
		options:  opts,
		timeout:  timeout,
	}
}

// Inspect resolves the creation time and root filesystem layers of ref
func (r *RegistryInspector) Inspect(ctx context.Context, ref types.ImageReference) (*types.ImageMetadata, error) {
	if err := ValidateReference(ref); err != nil {
		return nil, err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	nameRef, err := name.ParseReference(string(ref))
	if err != nil {
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindMalformedReference).
			Operation("parse_reference").
			Reference(string(ref)).
			Message("invalid image reference").
			Cause(err).
			Build()
	}

	remoteOpts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(r.keychain),
	}
	remoteOpts = append(remoteOpts, r.options...)

	img, err := remote.Image(nameRef, remoteOpts...)
	if err != nil {
		return nil, r.failure(ctx, ref, "fetch image", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, r.failure(ctx, ref, "read image configuration", err)
	}

	layers := make([]string, 0, len(cfg.RootFS.DiffIDs))
	for _, diffID := range cfg.RootFS.DiffIDs {
		layers = append(layers, diffID.String())
	}

	return &types.ImageMetadata{
		Created: cfg.Created.Time.UTC(),
		Layers:  layers,
	}, nil
}

func (r *RegistryInspector) failure(ctx context.Context, ref types.ImageReference, step string, err error) error {
	kind := toolerrors.KindInspectionFailure
	if ctx.Err() == context.DeadlineExceeded {
		kind = toolerrors.KindExternalToolTimeout
	}
	return toolerrors.NewErrorBuilder().
		Kind(kind).
		Operation("registry_inspect").
		Reference(string(ref)).
		Messagef("failed to %s", step).
		Diagnostic(err.Error()).
		Build()
}
