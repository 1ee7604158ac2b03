package render

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/types"
)

func widgets() types.ResolvedImage {
	return types.ResolvedImage{
		Reference: "registry.example/widgets:1.2.0",
		Identity:  types.Identity{Namespace: "registry.example", Package: "widgets", Version: "1.2.0"},
		Metadata: &types.ImageMetadata{
			Created: time.Date(2024, 3, 15, 9, 30, 5, 0, time.UTC),
			Layers:  []string{"sha256:aaa", "sha256:bbb"},
		},
	}
}

func baseos() *types.ResolvedImage {
	return &types.ResolvedImage{
		Reference: "registry.example/baseos:9.0",
		Identity:  types.Identity{Namespace: "registry.example", Package: "baseos", Version: "9.0"},
		Metadata: &types.ImageMetadata{
			Created: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Layers:  []string{"sha256:aaa"},
		},
	}
}

func TestBuildContext_Scratch(t *testing.T) {
	ctx := BuildContext(Inputs{
		WorkArea:   "/tmp/cosplay-1",
		InstallDir: "/usr/share/cosplay",
		Image:      widgets(),
		Service:    types.ServiceOptions{Enabled: false},
	})

	assert.Equal(t, Context{
		KeyTempDir:           "/tmp/cosplay-1",
		KeyPackage:           "widgets",
		KeyPackageHost:       "registry.example",
		KeyVersion:           "1.2.0",
		KeyVersionDatestring: "20240315093005",
		KeySummary:           "RPM package for container image registry.example/widgets:1.2.0",
		KeyCosplayDir:        "/usr/share/cosplay",
		KeyService:           false,
	}, ctx)

	for _, key := range []string{KeyBase, KeyBaseVersion, KeyBaseVersionDatestring} {
		assert.False(t, ctx.Has(key), key)
	}
	for _, key := range []string{KeyNetworkArgs, KeyEnvironmentArgs, KeyVolumeArgs} {
		assert.False(t, ctx.Has(key), key)
	}
}

func TestBuildContext_WithBase(t *testing.T) {
	ctx := BuildContext(Inputs{
		WorkArea: "/tmp/cosplay-1",
		Image:    widgets(),
		Base:     baseos(),
	})

	assert.Equal(t, "baseos", ctx.String(KeyBase))
	assert.Equal(t, "9.0", ctx.String(KeyBaseVersion))
	assert.Equal(t, "20240101000000", ctx.String(KeyBaseVersionDatestring))
}

func TestBuildContext_ServiceArgs(t *testing.T) {
	ctx := BuildContext(Inputs{
		Image: widgets(),
		Service: types.ServiceOptions{
			Enabled: true,
			Ports:   []string{"80", "443"},
			Env:     []string{"X=1"},
			Volumes: []string{"/h:/c"},
		},
	})

	assert.Equal(t, true, ctx[KeyService])
	assert.Equal(t, "-p 80 -p 443", ctx.String(KeyNetworkArgs))
	assert.Equal(t, "-e X=1", ctx.String(KeyEnvironmentArgs))
	assert.Equal(t, "-v /h:/c", ctx.String(KeyVolumeArgs))
}

func TestBuildContext_ServiceArgsEmpty(t *testing.T) {
	tests := map[string]types.ServiceOptions{
		"unset": {Enabled: true},
		"empty": {Enabled: true, Ports: []string{}, Env: []string{}, Volumes: []string{}},
	}
	for name, service := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := BuildContext(Inputs{Image: widgets(), Service: service})
			for _, key := range []string{KeyNetworkArgs, KeyEnvironmentArgs, KeyVolumeArgs} {
				require.True(t, ctx.Has(key), key)
				assert.Equal(t, "", ctx[key], key)
			}
		})
	}
}

func TestBuildContext_Deterministic(t *testing.T) {
	in := Inputs{
		WorkArea: "/tmp/w",
		Image:    widgets(),
		Base:     baseos(),
		Service:  types.ServiceOptions{Enabled: true, Ports: []string{"8080"}},
	}
	assert.Equal(t, BuildContext(in), BuildContext(in))
}

func TestJoinFlag(t *testing.T) {
	assert.Equal(t, "", JoinFlag("-p", nil))
	assert.Equal(t, "-e A=1 -e B=two words", JoinFlag("-e", []string{"A=1", "B=two words"}))
}

func TestSpecTemplateName(t *testing.T) {
	assert.Equal(t, BaseOSSpec, SpecTemplateName(false))
	assert.Equal(t, PackageSpec, SpecTemplateName(true))
}

func TestTextRenderer_BuiltinScratchSpec(t *testing.T) {
	r, err := NewTextRenderer("")
	require.NoError(t, err)
	assert.Equal(t, "", r.Dir())

	ctx := BuildContext(Inputs{WorkArea: "/tmp/w", Image: widgets()})
	text, err := r.Render(BaseOSSpec, ctx)
	require.NoError(t, err)

	assert.Contains(t, text, "Name:           widgets")
	assert.Contains(t, text, "Version:        1.2.0")
	assert.Contains(t, text, "Release:        20240315093005")
	assert.NotContains(t, text, ".service")
	assert.NotContains(t, text, "<no value>")
}

func TestTextRenderer_BuiltinPackageSpecWithService(t *testing.T) {
	r, err := NewTextRenderer("")
	require.NoError(t, err)

	ctx := BuildContext(Inputs{
		WorkArea: "/tmp/w",
		Image:    widgets(),
		Base:     baseos(),
		Service:  types.ServiceOptions{Enabled: true},
	})
	text, err := r.Render(PackageSpec, ctx)
	require.NoError(t, err)

	assert.Contains(t, text, "Requires:       baseos = 9.0-20240101000000")
	assert.Contains(t, text, "/tmp/w/widgets.service")
}

func TestTextRenderer_BuiltinService(t *testing.T) {
	r, err := NewTextRenderer("")
	require.NoError(t, err)

	ctx := BuildContext(Inputs{
		Image: widgets(),
		Service: types.ServiceOptions{
			Enabled: true,
			Ports:   []string{"80", "443"},
			Env:     []string{"X=1"},
			Volumes: []string{"/h:/c"},
		},
	})
	text, err := r.Render(PackageService, ctx)
	require.NoError(t, err)

	assert.Contains(t, text,
		"ExecStart=/usr/bin/podman run --rm --name widgets -p 80 -p 443 -e X=1 -v /h:/c registry.example/widgets:1.2.0")
}

func TestTextRenderer_PackageSpecNeedsBase(t *testing.T) {
	r, err := NewTextRenderer("")
	require.NoError(t, err)

	_, err = r.Render(PackageSpec, BuildContext(Inputs{Image: widgets()}))
	assert.ErrorIs(t, err, toolerrors.ErrTemplateFailure)
}

func TestTextRenderer_Deterministic(t *testing.T) {
	r, err := NewTextRenderer("")
	require.NoError(t, err)

	ctx := BuildContext(Inputs{WorkArea: "/tmp/w", Image: widgets(), Base: baseos(), Service: types.ServiceOptions{Enabled: true}})
	for _, name := range []string{PackageSpec, PackageService} {
		first, err := r.Render(name, ctx)
		require.NoError(t, err)
		second, err := r.Render(name, ctx)
		require.NoError(t, err)
		assert.Equal(t, first, second, name)
	}
}

func TestTextRenderer_Directory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "baseos.spec.tmpl"), []byte("{{.package}}-{{.version}}"), 0644))

	r, err := NewTextRenderer(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, r.Dir())

	text, err := r.Render(BaseOSSpec, BuildContext(Inputs{Image: widgets()}))
	require.NoError(t, err)
	assert.Equal(t, "widgets-1.2.0", text)

	_, err = r.Render(PackageService, Context{})
	assert.ErrorIs(t, err, toolerrors.ErrTemplateFailure)
}

func TestTextRenderer_BadTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "baseos.spec.tmpl"), []byte("{{.package"), 0644))

	r, err := NewTextRenderer(dir)
	require.NoError(t, err)
	_, err = r.Render(BaseOSSpec, Context{KeyPackage: "x"})
	assert.ErrorIs(t, err, toolerrors.ErrTemplateFailure)
}

func TestNewTextRenderer_MissingDir(t *testing.T) {
	_, err := NewTextRenderer(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, toolerrors.ErrConfigurationFailure)
}

func TestRenderFile(t *testing.T) {
	r, err := NewTextRenderer("")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "widgets.service")

	ctx := BuildContext(Inputs{Image: widgets(), Service: types.ServiceOptions{Enabled: true}})
	require.NoError(t, RenderFile(r, PackageService, ctx, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Description=RPM package for container image registry.example/widgets:1.2.0")
}
