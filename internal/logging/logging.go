package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	toolerrors "github.com/bibin-skaria/cosplay/internal/errors"
)

// Format selects the log encoding
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures a logger
type Options struct {
	Level  string
	Format Format
	Output io.Writer
}

type runIDKey struct{}

// WithRunID stores a run identifier on ctx so log entries can carry it
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// New creates a logrus logger. LOG_LEVEL in the environment takes precedence
// over opts.Level.
func New(opts Options) *logrus.Logger {
	logger := logrus.New()
	Configure(logger, opts)
	return logger
}

// Configure applies opts to an existing logger, so a logger created before
// configuration is loaded can be switched over once it is.
func Configure(logger *logrus.Logger, opts Options) {
	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	switch opts.Format {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	level := opts.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	logger.SetLevel(logrus.InfoLevel)
	if level != "" {
		if parsed, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(parsed)
		}
	}
}

// Pipeline emits the structured events of a packaging or pruning run
type Pipeline struct {
	logger    logrus.FieldLogger
	component string
}

// NewPipeline wraps logger for the named component
func NewPipeline(logger logrus.FieldLogger, component string) *Pipeline {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Pipeline{logger: logger, component: component}
}

// WithContext adds context information to log entries
func (p *Pipeline) WithContext(ctx context.Context) *logrus.Entry {
	entry := p.logger.WithField("component", p.component)
	if runID, ok := ctx.Value(runIDKey{}).(string); ok && runID != "" {
		entry = entry.WithField("run_id", runID)
	}
	return entry
}

// StageStart logs the start of a pipeline stage
func (p *Pipeline) StageStart(ctx context.Context, stage string) {
	p.WithContext(ctx).WithFields(logrus.Fields{
		"event": "stage_start",
		"stage": stage,
	}).Debug(fmt.Sprintf("Starting stage: %s", stage))
}

// StageComplete logs the completion of a pipeline stage
func (p *Pipeline) StageComplete(ctx context.Context, stage string, duration time.Duration) {
	p.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "stage_complete",
		"stage":    stage,
		"duration": duration.String(),
	}).Info(fmt.Sprintf("Completed stage: %s", stage))
}

// Resolved logs the metadata resolved for an image
func (p *Pipeline) Resolved(ctx context.Context, reference string, created time.Time, layers int) {
	p.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "image_resolved",
		"reference": reference,
		"created":   created.Format(time.RFC3339),
		"layers":    layers,
	}).Info("Resolved image metadata")
}

// Context logs the template context handed to the renderer
func (p *Pipeline) Context(ctx context.Context, values map[string]interface{}) {
	p.WithContext(ctx).WithFields(logrus.Fields{
		"event":   "context",
		"context": values,
	}).Debug("Built template context")
}

// LayerRemoved logs the deletion of a redundant layer blob
func (p *Pipeline) LayerRemoved(ctx context.Context, digest string, size int64) {
	p.WithContext(ctx).WithFields(logrus.Fields{
		"event":  "layer_removed",
		"digest": digest,
		"size":   size,
	}).Info(fmt.Sprintf("Removing layer %s", digest))
}

// Warn logs a non-fatal error with its structured fields
func (p *Pipeline) Warn(ctx context.Context, err error, message string) {
	p.WithContext(ctx).WithFields(logrus.Fields(toolerrors.Fields(err))).Warn(message)
}

// Error logs a fatal error with its structured fields
func (p *Pipeline) Error(ctx context.Context, err error, message string) {
	p.WithContext(ctx).WithFields(logrus.Fields(toolerrors.Fields(err))).Error(message)
}

// Failure logs err at the severity its kind carries: fatal errors at error
// level, skippable ones at warning level.
func (p *Pipeline) Failure(ctx context.Context, err error, message string) {
	if toolerrors.IsFatal(err) {
		p.Error(ctx, err, message)
		return
	}
	p.Warn(ctx, err, message)
}
