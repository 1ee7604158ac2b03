// Package pipeline wraps a container image into an RPM package.
//
// A run walks Init, Resolved, Rendered, Built and Cleaned in order. Any
// failure moves it to Failed. Every run owns a fresh work area which is
// removed on every exit path; a failed removal is only logged.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/bibin-skaria/cosplay/build"
	"github.com/bibin-skaria/cosplay/inspect"
	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/logging"
	"github.com/bibin-skaria/cosplay/internal/types"
	"github.com/bibin-skaria/cosplay/naming"
	"github.com/bibin-skaria/cosplay/render"
)

// State is a step of the run state machine
type State string

const (
	StateInit     State = "init"
	StateResolved State = "resolved"
	StateRendered State = "rendered"
	StateBuilt    State = "built"
	StateCleaned  State = "cleaned"
	StateFailed   State = "failed"
)

// Report records how a run went
type Report struct {
	States          []State
	WorkArea        string
	WorkAreaRemoved bool
	Result          *types.BuildResult
	Err             error
}

// State returns the state the run ended in
func (r *Report) State() State {
	if len(r.States) == 0 {
		return StateInit
	}
	return r.States[len(r.States)-1]
}

func (r *Report) transition(s State) {
	r.States = append(r.States, s)
}

// Options configures an Orchestrator
type Options struct {
	// WorkDirRoot is where work areas are created; empty means os.TempDir.
	WorkDirRoot string
	// InstallDir is exposed to templates as cosplay_dir.
	InstallDir string
	Log        *logging.Pipeline
}

// Orchestrator sequences resolution, rendering and the package build
type Orchestrator struct {
	inspector   inspect.ImageInspector
	renderer    render.TemplateRenderer
	builder     build.PackageBuilder
	log         *logging.Pipeline
	workDirRoot string
	installDir  string
	progressOut io.Writer
	removeAll   func(path string) error
}

// NewOrchestrator creates an orchestrator. A nil opts.Log discards logs.
func NewOrchestrator(inspector inspect.ImageInspector, renderer render.TemplateRenderer, builder build.PackageBuilder, opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = logging.NewPipeline(nil, "pipeline")
	}
	return &Orchestrator{
		inspector:   inspector,
		renderer:    renderer,
		builder:     builder,
		log:         log,
		workDirRoot: opts.WorkDirRoot,
		installDir:  opts.InstallDir,
		removeAll:   os.RemoveAll,
	}
}

// SetProgressOutput prints one line per stage to w
func (o *Orchestrator) SetProgressOutput(w io.Writer) {
	o.progressOut = w
}

// Run packages req.Image. The returned report is never nil, even when err
// is not.
func (o *Orchestrator) Run(ctx context.Context, req *types.BuildRequest) (report *Report, err error) {
	report = &Report{States: []State{StateInit}}

	workArea, err := o.acquireWorkArea()
	if err != nil {
		report.transition(StateFailed)
		report.Err = err
		o.log.Failure(ctx, err, "Could not create work area")
		return report, err
	}
	report.WorkArea = workArea

	defer func() {
		report.WorkAreaRemoved = o.releaseWorkArea(ctx, workArea)
		if err == nil {
			report.transition(StateCleaned)
		}
	}()

	start := time.Now()
	result, err := o.execute(ctx, req, workArea, report)
	if err != nil {
		report.transition(StateFailed)
		report.Err = err
		o.log.Failure(ctx, err, "Packaging failed")
		return report, err
	}

	result.Duration = time.Since(start)
	report.Result = result
	o.progress("Build complete in %s\n", result.Duration)
	return report, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *types.BuildRequest, workArea string, report *Report) (*types.BuildResult, error) {
	result := &types.BuildResult{WorkArea: workArea}

	// Init -> Resolved
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.progress("Resolving %s...\n", req.Image)
	stageStart := time.Now()
	o.log.StageStart(ctx, string(StateResolved))
	image, base, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	result.Identity = image.Identity
	result.BuildTag = naming.FormatBuildTag(image.Metadata.Created)
	if base != nil {
		result.Base = &base.Identity
	}
	report.transition(StateResolved)
	o.log.StageComplete(ctx, string(StateResolved), time.Since(stageStart))

	// Resolved -> Rendered
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.progress("Rendering templates...\n")
	stageStart = time.Now()
	o.log.StageStart(ctx, string(StateRendered))
	values := render.BuildContext(render.Inputs{
		WorkArea:   workArea,
		InstallDir: o.installDir,
		Image:      *image,
		Base:       base,
		Service:    req.Service,
	})
	o.log.Context(ctx, values)

	specName := render.SpecTemplateName(req.HasBase())
	specPath, err := o.stagingPath(workArea, specName)
	if err != nil {
		return nil, err
	}
	if err := render.RenderFile(o.renderer, specName, values, specPath); err != nil {
		return nil, err
	}
	result.SpecFile = specPath

	if req.Service.Enabled {
		unitPath, err := o.stagingPath(workArea, naming.UnitFileName(image.Identity))
		if err != nil {
			return nil, err
		}
		if err := render.RenderFile(o.renderer, render.PackageService, values, unitPath); err != nil {
			return nil, err
		}
		result.UnitFile = unitPath
	}
	report.transition(StateRendered)
	o.log.StageComplete(ctx, string(StateRendered), time.Since(stageStart))

	// Rendered -> Built
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.progress("Building %s...\n", specName)
	stageStart = time.Now()
	o.log.StageStart(ctx, string(StateBuilt))
	output, err := o.builder.Build(ctx, workArea, specName)
	if err != nil {
		return nil, err
	}
	result.ToolOutput = output.Log
	report.transition(StateBuilt)
	o.log.StageComplete(ctx, string(StateBuilt), time.Since(stageStart))

	if req.OutputDir == "" {
		o.log.WithContext(ctx).WithField("packages", len(output.Packages)).
			Warn("No output directory set; built packages are removed with the work area")
		result.Packages = []string{}
		return result, nil
	}

	packages, err := CopyPackages(output.Packages, req.OutputDir)
	if err != nil {
		return nil, err
	}
	result.Packages = packages
	for _, pkg := range packages {
		o.log.WithContext(ctx).WithField("package", pkg).Info("Wrote package")
	}
	return result, nil
}

// resolve derives identities and inspects the target and, when declared,
// the base image.
func (o *Orchestrator) resolve(ctx context.Context, req *types.BuildRequest) (*types.ResolvedImage, *types.ResolvedImage, error) {
	identity, err := naming.DeriveIdentity(req.Image)
	if err != nil {
		return nil, nil, err
	}
	meta, err := o.inspector.Inspect(ctx, req.Image)
	if err != nil {
		return nil, nil, err
	}
	o.log.Resolved(ctx, string(req.Image), meta.Created, len(meta.Layers))
	image := &types.ResolvedImage{Reference: req.Image, Identity: identity, Metadata: meta}

	if !req.HasBase() {
		return image, nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	baseRef := *req.Base
	baseIdentity, err := naming.DeriveIdentity(baseRef)
	if err != nil {
		return nil, nil, toolerrors.Rekind(err, toolerrors.KindBaseInspectionFailure)
	}
	baseMeta, err := inspect.ResolveBase(ctx, o.inspector, baseRef)
	if err != nil {
		return nil, nil, err
	}
	o.log.Resolved(ctx, string(baseRef), baseMeta.Created, len(baseMeta.Layers))

	return image, &types.ResolvedImage{Reference: baseRef, Identity: baseIdentity, Metadata: baseMeta}, nil
}

func (o *Orchestrator) acquireWorkArea() (string, error) {
	if o.workDirRoot != "" {
		if err := os.MkdirAll(o.workDirRoot, 0755); err != nil {
			return "", toolerrors.Wrap(toolerrors.KindConfigurationFailure, "create_work_area", err, "failed to create %s", o.workDirRoot)
		}
	}
	dir, err := os.MkdirTemp(o.workDirRoot, "cosplay-")
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindUnknown, "create_work_area", err, "failed to create work area")
	}
	return dir, nil
}

// releaseWorkArea removes the work area and reports whether it is gone
func (o *Orchestrator) releaseWorkArea(ctx context.Context, workArea string) bool {
	if err := o.removeAll(workArea); err != nil {
		o.log.Warn(ctx, toolerrors.NewErrorBuilder().
			Kind(toolerrors.KindWorkAreaCleanupFailure).
			Operation("remove_work_area").
			Reference(workArea).
			Message("could not remove temporary directory").
			Cause(err).
			Build(), "Could not remove temporary directory")
		return false
	}
	return true
}

func (o *Orchestrator) stagingPath(workArea, name string) (string, error) {
	path, err := securejoin.SecureJoin(workArea, name)
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindTemplateFailure, "render", err, "invalid staging file name %q", name)
	}
	return path, nil
}

func (o *Orchestrator) progress(format string, args ...interface{}) {
	if o.progressOut != nil {
		fmt.Fprintf(o.progressOut, format, args...)
	}
}
