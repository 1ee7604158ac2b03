package inspect

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/execx"
	"github.com/bibin-skaria/cosplay/internal/types"
)

type fakeRunner struct {
	result *execx.Result
	err    error
	calls  []execx.Command
}

func (f *fakeRunner) Run(ctx context.Context, cmd execx.Command) (*execx.Result, error) {
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return &execx.Result{ExitCode: -1}, f.err
	}
	return f.result, nil
}

const widgetsInspect = `[
  {
    "Id": "3f5a1d2c",
    "Created": "2024-03-05T10:11:12.123456789Z",
    "RootFS": {
      "Type": "layers",
      "Layers": ["sha256:aaa", "sha256:bbb", "sha256:ccc"]
    }
  }
]`

func TestParseCreated(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Time
	}{
		{"2024-01-01T00:00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T02:00:00+02:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-03-05T10:11:12.123456789Z", time.Date(2024, 3, 5, 10, 11, 12, 123456789, time.UTC)},
		{"2024-01-01T00:00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T00:00:00.5", time.Date(2024, 1, 1, 0, 0, 0, 500000000, time.UTC)},
		{"2024-01-01 00:00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T01:00:00+0100", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2023-11-20 14:03:07.417201763 +0000 UTC", time.Date(2023, 11, 20, 14, 3, 7, 417201763, time.UTC)},
		{"2023-11-20 14:03:07.417201763 +0000 UTC m=+0.000000001", time.Date(2023, 11, 20, 14, 3, 7, 417201763, time.UTC)},
		{"2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T01:00:00+01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T00:00Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"2024-01-01T00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"20240101T000000Z", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"20240101T020000+02:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"20240101T000000", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCreated(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.expected.Equal(got), "got %s, want %s", got, tt.expected)
		})
	}
}

func TestParseCreated_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2024/01/01"} {
		_, err := ParseCreated(in)
		assert.Error(t, err, in)
	}
}

func TestParseInspectOutput(t *testing.T) {
	meta, err := ParseInspectOutput([]byte(widgetsInspect))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 5, 10, 11, 12, 123456789, time.UTC), meta.Created)
	assert.Equal(t, []string{"sha256:aaa", "sha256:bbb", "sha256:ccc"}, meta.Layers)
}

func TestParseInspectOutput_Errors(t *testing.T) {
	tests := map[string]string{
		"not json":      "Error: something",
		"empty array":   "[]",
		"bad timestamp": `[{"Created": "never", "RootFS": {"Layers": []}}]`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInspectOutput([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestPodmanInspector_Inspect(t *testing.T) {
	runner := &fakeRunner{result: &execx.Result{Stdout: widgetsInspect}}
	inspector := NewPodmanInspector("/usr/bin/podman", runner, time.Minute)

	meta, err := inspector.Inspect(context.Background(), "registry.example/widgets:1.2.0")
	require.NoError(t, err)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/usr/bin/podman", runner.calls[0].Program)
	assert.Equal(t, []string{"inspect", "registry.example/widgets:1.2.0"}, runner.calls[0].Args)
	assert.Equal(t, time.Minute, runner.calls[0].Timeout)
	assert.Len(t, meta.Layers, 3)
}

func TestPodmanInspector_NonZeroExit(t *testing.T) {
	runner := &fakeRunner{result: &execx.Result{
		ExitCode: 125,
		Stderr:   "Error: registry.example/missing:1.0: image not known\n",
	}}
	inspector := NewPodmanInspector("", runner, 0)

	_, err := inspector.Inspect(context.Background(), "registry.example/missing:1.0")
	require.Error(t, err)

	assert.ErrorIs(t, err, toolerrors.ErrInspectionFailure)
	var te *toolerrors.ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "Error: registry.example/missing:1.0: image not known\n", te.Diagnostic)
	assert.Equal(t, "registry.example/missing:1.0", te.Reference)
	assert.Contains(t, err.Error(), "image not known")
}

func TestPodmanInspector_Timeout(t *testing.T) {
	timeout := toolerrors.New(toolerrors.KindExternalToolTimeout, "/usr/bin/podman", "deadline")
	inspector := NewPodmanInspector("", &fakeRunner{err: timeout}, time.Millisecond)

	_, err := inspector.Inspect(context.Background(), "registry.example/widgets:1.2.0")
	assert.ErrorIs(t, err, toolerrors.ErrExternalToolTimeout)
}

func TestPodmanInspector_RunnerFailure(t *testing.T) {
	inspector := NewPodmanInspector("", &fakeRunner{err: fmt.Errorf("exec: not found")}, 0)

	_, err := inspector.Inspect(context.Background(), "registry.example/widgets:1.2.0")
	assert.ErrorIs(t, err, toolerrors.ErrInspectionFailure)
}

func TestPodmanInspector_RejectsFlagLikeReference(t *testing.T) {
	runner := &fakeRunner{result: &execx.Result{Stdout: widgetsInspect}}
	inspector := NewPodmanInspector("", runner, 0)

	_, err := inspector.Inspect(context.Background(), "--format={{.Id}}")
	require.Error(t, err)

	assert.ErrorIs(t, err, toolerrors.ErrMalformedReference)
	assert.Empty(t, runner.calls)
}

func TestResolveBase_Rekinds(t *testing.T) {
	runner := &fakeRunner{result: &execx.Result{ExitCode: 125, Stderr: "no such image"}}
	inspector := NewPodmanInspector("", runner, 0)

	_, err := ResolveBase(context.Background(), inspector, "registry.example/baseos:9.0")
	require.Error(t, err)

	assert.ErrorIs(t, err, toolerrors.ErrBaseInspectionFailure)
	assert.NotErrorIs(t, err, toolerrors.ErrInspectionFailure)
	assert.Contains(t, err.Error(), "no such image")
}

func TestResolveBase_KeepsTimeouts(t *testing.T) {
	timeout := toolerrors.New(toolerrors.KindExternalToolTimeout, "/usr/bin/podman", "deadline")
	inspector := NewPodmanInspector("", &fakeRunner{err: timeout}, 0)

	_, err := ResolveBase(context.Background(), inspector, "registry.example/baseos:9.0")
	assert.ErrorIs(t, err, toolerrors.ErrExternalToolTimeout)
}

func TestResolveBase_Success(t *testing.T) {
	runner := &fakeRunner{result: &execx.Result{Stdout: widgetsInspect}}

	meta, err := ResolveBase(context.Background(), NewPodmanInspector("", runner, 0), "registry.example/baseos:9.0")
	require.NoError(t, err)
	assert.Len(t, meta.Layers, 3)
}

func TestRegistryInspector_Inspect(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	img, err := random.Image(512, 3)
	require.NoError(t, err)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	img, err = mutate.CreatedAt(img, v1.Time{Time: created})
	require.NoError(t, err)

	refString := host + "/registry.example/baseos:9.0"
	ref, err := name.ParseReference(refString)
	require.NoError(t, err)
	require.NoError(t, remote.Write(ref, img))

	cfg, err := img.ConfigFile()
	require.NoError(t, err)
	var expected []string
	for _, diffID := range cfg.RootFS.DiffIDs {
		expected = append(expected, diffID.String())
	}

	inspector := NewRegistryInspector(time.Minute)
	meta, err := inspector.Inspect(context.Background(), types.ImageReference(refString))
	require.NoError(t, err)

	assert.True(t, created.Equal(meta.Created), "got %s", meta.Created)
	assert.Equal(t, expected, meta.Layers)
}

func TestRegistryInspector_MissingImage(t *testing.T) {
	server := httptest.NewServer(registry.New())
	defer server.Close()
	host := strings.TrimPrefix(server.URL, "http://")

	inspector := NewRegistryInspector(time.Minute)
	_, err := inspector.Inspect(context.Background(), types.ImageReference(host+"/registry.example/missing:1.0"))
	require.Error(t, err)

	assert.ErrorIs(t, err, toolerrors.ErrInspectionFailure)
	var te *toolerrors.ToolError
	require.True(t, errors.As(err, &te))
	assert.NotEmpty(t, te.Diagnostic)
}

func TestNew(t *testing.T) {
	assert.Equal(t, []string{"podman", "registry"}, List())

	runner := &fakeRunner{result: &execx.Result{ExitCode: 0, Stdout: widgetsInspect}}
	inspector, err := New("podman", Settings{Binary: "/opt/podman", Runner: runner})
	require.NoError(t, err)
	podman, ok := inspector.(*PodmanInspector)
	require.True(t, ok)
	assert.Equal(t, "/opt/podman", podman.binary)

	inspector, err = New("registry", Settings{Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &RegistryInspector{}, inspector)

	_, err = New("docker", Settings{})
	require.Error(t, err)
	assert.ErrorIs(t, err, toolerrors.ErrConfigurationFailure)
	assert.Contains(t, err.Error(), "available: podman, registry")
}
