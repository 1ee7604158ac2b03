package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/cosplay/config"
	"github.com/bibin-skaria/cosplay/inspect"
	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
	"github.com/bibin-skaria/cosplay/internal/logging"
	"github.com/bibin-skaria/cosplay/internal/types"
	"github.com/bibin-skaria/cosplay/prune"
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

func newRootCommand() *cobra.Command {
	var (
		archive    string
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "slimfast DIR BASE_IMAGE",
		Short: "Drop the layers a base image already provides from an exported image",
		Long: `Slimfast rewrites the manifest of an image exported with
"skopeo copy ... dir:DIR" so it only lists the layers BASE_IMAGE does not
already provide, then deletes the blobs of the base layers from DIR.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, baseImage := args[0], args[1]

			logger := logging.New(logging.Options{Level: logLevel, Output: cmd.ErrOrStderr()})
			ctx := logging.WithRunID(cmd.Context(), fmt.Sprintf("slimfast-%d", time.Now().Unix()))
			log := logging.NewPipeline(logger, "slimfast")

			cfg, err := config.Load(configPath)
			if err != nil {
				log.Failure(ctx, err, "Invalid configuration")
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logging.Configure(logger, logging.Options{
				Level:  cfg.LogLevel,
				Format: logging.Format(cfg.LogFormat),
				Output: cmd.ErrOrStderr(),
			})

			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				notFound := toolerrors.NewErrorBuilder().
					Kind(toolerrors.KindManifestNotFound).
					Operation("slimfast").
					Reference(dir).
					Message("skopeo dir output not found").
					Build()
				log.Failure(ctx, notFound, "Skopeo dir output not found")
				return notFound
			}

			inspector, err := inspect.New(cfg.Inspector, inspect.Settings{
				Binary:  cfg.PodmanPath,
				Timeout: cfg.ToolTimeout,
			})
			if err != nil {
				log.Failure(ctx, err, "Could not create image inspector")
				return err
			}
			base, err := inspect.ResolveBase(ctx, inspector, types.ImageReference(baseImage))
			if err != nil {
				log.Failure(ctx, err, "Could not inspect base image")
				return err
			}
			log.Resolved(ctx, baseImage, base.Created, len(base.Layers))

			result, err := prune.NewPruner(log).Prune(ctx, dir, base.Layers)
			if err != nil {
				log.Failure(ctx, err, "Pruning failed")
				return err
			}
			printResult(cmd.OutOrStdout(), result)

			if archive != "" {
				if err := prune.ArchiveFile(ctx, dir, archive); err != nil {
					log.Failure(ctx, err, "Could not archive pruned directory")
					return fmt.Errorf("failed to archive %s: %v", dir, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Archive: %s (%s)\n", archive, prune.ArchiveMediaType)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&archive, "archive", "", "Also write the pruned directory as a zstd-compressed tar to this file")
	cmd.Flags().StringVar(&configPath, "config", "", "Configuration file (default: $XDG_CONFIG_HOME/cosplay/config.yaml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func printResult(w io.Writer, result *prune.Result) {
	fmt.Fprintf(w, "Kept layers: %d\n", len(result.Kept))
	fmt.Fprintf(w, "Removed layers: %d\n", len(result.Removed))
	if len(result.Failed) > 0 {
		fmt.Fprintf(w, "Layers that could not be removed: %d\n", len(result.Failed))
	}
	fmt.Fprintf(w, "Final size: %s\n", result.FootprintString())
}
