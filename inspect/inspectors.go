package inspect

import (
	"sort"
	"strings"
	"time"

	"github.com/bibin-skaria/cosplay/internal/execx"
	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
)

// Settings carries what an inspector needs to be constructed. Not every
// inspector uses every field.
type Settings struct {
	// Binary is the inspection tool for inspectors that shell out.
	Binary  string
	Runner  execx.Runner
	Timeout time.Duration
}

// Factory creates an inspector from settings
type Factory func(settings Settings) ImageInspector

var inspectors = make(map[string]Factory)

func init() {
	Register("podman", func(s Settings) ImageInspector {
		return NewPodmanInspector(s.Binary, s.Runner, s.Timeout)
	})
	Register("registry", func(s Settings) ImageInspector {
		return NewRegistryInspector(s.Timeout)
	})
}

// Register makes an inspector available to New under name. Registering a
// name twice replaces the earlier factory.
func Register(name string, factory Factory) {
	inspectors[name] = factory
}

// New creates the inspector registered under name
func New(name string, settings Settings) (ImageInspector, error) {
	factory, exists := inspectors[name]
	if !exists {
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindConfigurationFailure).
			Operation("new_inspector").
			Reference(name).
			Messagef("unknown inspector %q (available: %s)", name, strings.Join(List(), ", ")).
			Build()
	}
	return factory(settings), nil
}

// List returns the registered inspector names in sorted order
func List() []string {
	names := make([]string, 0, len(inspectors))
	for name := range inspectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
