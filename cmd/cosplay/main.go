package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/cosplay/build"
	"github.com/bibin-skaria/cosplay/config"
	"github.com/bibin-skaria/cosplay/inspect"
	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/logging"
	"github.com/bibin-skaria/cosplay/internal/types"
	"github.com/bibin-skaria/cosplay/pipeline"
	"github.com/bibin-skaria/cosplay/render"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	base       string
	noService  bool
	ports      []string
	env        []string
	volumes    []string
	envFile    string
	output     string
	configPath string
	logLevel   string
	logFormat  string
	timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "cosplay IMAGE",
		Short: "Wrap a container image in an RPM",
		Long: `Cosplay wraps a container image in an RPM package. The package loads the
image on install and, unless --no-service is given, ships a systemd unit that
runs it with podman.

IMAGE must look like host-path/name:version. --base names the image whose
package the result depends on; use "scratch" for none.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.base, "base", "", `The OS base container image to require ("scratch" for none)`)
	cmd.Flags().BoolVar(&opts.noService, "no-service", false, "Do not build a systemd unit file for this service")
	cmd.Flags().StringSliceVar(&opts.ports, "ports", nil, "Comma-separated list of network ports to open for this service")
	cmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "Runtime environment variable in var=value notation (repeatable)")
	cmd.Flags().StringArrayVar(&opts.volumes, "vol", nil, "Volume to export into the container in local-dir:target-mountpoint notation (repeatable)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Read runtime environment variables from a dotenv file")
	cmd.Flags().StringVarP(&opts.output, "output", "o", ".", "Directory to copy the built packages to")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "Configuration file (default: $XDG_CONFIG_HOME/cosplay/config.yaml)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Timeout for each external tool invocation")
	cmd.MarkFlagRequired("base")

	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, image string, opts *options) error {
	// Logs with the flag settings until the configuration file is read, so
	// configuration failures are reported like every other failure.
	logger := logging.New(logging.Options{
		Level:  opts.logLevel,
		Format: logging.Format(opts.logFormat),
		Output: cmd.ErrOrStderr(),
	})
	ctx = logging.WithRunID(ctx, fmt.Sprintf("cosplay-%d", time.Now().Unix()))
	log := logging.NewPipeline(logger, "cosplay")

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Failure(ctx, err, "Invalid configuration")
		return err
	}
	logging.Configure(logger, logging.Options{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
		Output: cmd.ErrOrStderr(),
	})

	req, err := buildRequest(image, opts)
	if err != nil {
		log.Failure(ctx, err, "Invalid build request")
		return err
	}

	renderer, err := render.NewTextRenderer(cfg.TemplateDir)
	if err != nil {
		log.Failure(ctx, err, "Could not load templates")
		return err
	}
	inspector, err := inspect.New(cfg.Inspector, inspect.Settings{
		Binary:  cfg.PodmanPath,
		Timeout: cfg.ToolTimeout,
	})
	if err != nil {
		log.Failure(ctx, err, "Could not create image inspector")
		return err
	}
	builder := build.NewRPMBuilder(cfg.RPMBuildPath, nil, cfg.ToolTimeout).WithStream(cmd.ErrOrStderr())

	orchestrator := pipeline.NewOrchestrator(inspector, renderer, builder, pipeline.Options{
		WorkDirRoot: cfg.WorkDirRoot,
		InstallDir:  installDir(renderer),
		Log:         log,
	})
	orchestrator.SetProgressOutput(cmd.OutOrStdout())

	report, err := orchestrator.Run(ctx, req)
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), report.Result)
	return nil
}

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.LogFormat = opts.logFormat
	}
	if opts.timeout > 0 {
		cfg.ToolTimeout = opts.timeout
	}
	return cfg, cfg.Validate()
}

func buildRequest(image string, opts *options) (*types.BuildRequest, error) {
	env := append([]string{}, opts.env...)
	if opts.envFile != "" {
		fromFile, err := readEnvFile(opts.envFile)
		if err != nil {
			return nil, err
		}
		env = append(env, fromFile...)
	}

	output := opts.output
	if output != "" {
		abs, err := filepath.Abs(output)
		if err != nil {
			return nil, toolerrors.Wrap(toolerrors.KindConfigurationFailure, "output", err, "failed to resolve output directory %s", output)
		}
		output = abs
	}

	return &types.BuildRequest{
		Image: types.ImageReference(image),
		Base:  types.BaseFromFlag(opts.base),
		Service: types.ServiceOptions{
			Enabled: !opts.noService,
			Ports:   opts.ports,
			Env:     env,
			Volumes: opts.volumes,
		},
		OutputDir: output,
	}, nil
}

// readEnvFile returns the assignments of a dotenv file as name=value
// entries, sorted by name.
func readEnvFile(path string) ([]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindConfigurationFailure, "read_env_file", err, "failed to read env file %s", path)
	}
	keys := lo.Keys(values)
	sort.Strings(keys)
	return lo.Map(keys, func(k string, _ int) string {
		return k + "=" + values[k]
	}), nil
}

func installDir(renderer *render.TextRenderer) string {
	if dir := renderer.Dir(); dir != "" {
		return dir
	}
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

func printResult(w io.Writer, result *types.BuildResult) {
	fmt.Fprintf(w, "Package: %s %s-%s\n", result.Identity.Package, result.Identity.Version, result.BuildTag)
	if result.Base != nil {
		fmt.Fprintf(w, "Requires: %s %s\n", result.Base.Package, result.Base.Version)
	}
	for _, pkg := range result.Packages {
		fmt.Fprintf(w, "Wrote: %s\n", pkg)
	}
	fmt.Fprintf(w, "Duration: %s\n", result.Duration)
}
