// Package build turns a rendered spec file into installable packages.
package build

import (
	"context"
	"io"
	"path/filepath"
	"sort"
	"time"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/execx"
)

// Output describes a finished package build
type Output struct {
	// Packages are the built package files, sorted.
	Packages []string
	Log      string
	Duration time.Duration
}

// PackageBuilder builds the packages described by specFile, running inside
// stagingDir.
type PackageBuilder interface {
	Build(ctx context.Context, stagingDir, specFile string) (*Output, error)
}

// RPMBuilder runs `rpmbuild -bb <spec>` in the staging directory. rpmbuild's
// _topdir is pointed at the staging directory so the whole build tree lives
// and dies with it.
type RPMBuilder struct {
	binary  string
	runner  execx.Runner
	timeout time.Duration
	stream  io.Writer
}

// NewRPMBuilder creates a builder for the given rpmbuild binary
func NewRPMBuilder(binary string, runner execx.Runner, timeout time.Duration) *RPMBuilder {
	if binary == "" {
		binary = "/usr/bin/rpmbuild"
	}
	if runner == nil {
		runner = execx.NewExecRunner()
	}
	return &RPMBuilder{
		binary:  binary,
		runner:  runner,
		timeout: timeout,
	}
}

// WithStream copies the build tool's output to w while it runs
func (b *RPMBuilder) WithStream(w io.Writer) *RPMBuilder {
	b.stream = w
	return b
}

// Command returns the invocation used to build specFile in stagingDir
func (b *RPMBuilder) Command(stagingDir, specFile string) execx.Command {
	return execx.Command{
		Program: b.binary,
		Args:    []string{"-bb", specFile, "--define", "_topdir " + stagingDir},
		Dir:     stagingDir,
		Timeout: b.timeout,
		Stream:  b.stream,
	}
}

func (b *RPMBuilder) Build(ctx context.Context, stagingDir, specFile string) (*Output, error) {
	result, err := b.runner.Run(ctx, b.Command(stagingDir, specFile))
	if err != nil {
		if toolerrors.IsKind(err, toolerrors.KindExternalToolTimeout) {
			return nil, err
		}
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindBuildToolFailure).
			Operation("build").
			Reference(specFile).
			Message("could not run the package build tool").
			Cause(err).
			Build()
	}

	if !result.Success() {
		return nil, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindBuildToolFailure).
			Operation("build").
			Reference(specFile).
			Messagef("package build tool exited with status %d", result.ExitCode).
			Diagnostic(result.Diagnostic()).
			Metadata("exit_code", result.ExitCode).
			Build()
	}

	packages, err := FindPackages(stagingDir)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindBuildToolFailure, "build", err, "failed to list built packages")
	}

	return &Output{
		Packages: packages,
		Log:      result.Combined,
		Duration: result.Duration,
	}, nil
}

// FindPackages lists the binary RPMs under topdir/RPMS/<arch>/.
func FindPackages(topdir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(topdir, "RPMS", "*", "*.rpm"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if matches == nil {
		matches = []string{}
	}
	return matches, nil
}
