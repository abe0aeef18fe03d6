// Package application runs a batch of backup plans: each plan is built, its
// stream chain executed and its post-backup stages run, one plan at a time.
// A failing plan never stops the batch.
package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/modules"
	"backup-orchestrator/internal/pipeline"
	"backup-orchestrator/internal/plan"
	"backup-orchestrator/internal/stage"

	"github.com/google/uuid"
)

// Config holds the run-wide options
type Config struct {
	DryRun    bool   `mapstructure:"dry_run" yaml:"dry_run"`
	Verbose   bool   `mapstructure:"verbose" yaml:"verbose"`
	Quiet     bool   `mapstructure:"quiet" yaml:"quiet"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
}

// Validate checks option combinations
func (c Config) Validate() error {
	if c.Verbose && c.Quiet {
		return apperrors.NewUserError("--verbose and --quiet cannot be used together, choose one")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return apperrors.NewUserError(fmt.Sprintf("unknown log format %q, must be one of: text, json", c.LogFormat))
	}
	return nil
}

// LogLevel maps the verbosity options onto a log level
func (c Config) LogLevel() logging.LogLevel {
	switch {
	case c.Quiet:
		return logging.LogLevelQuiet
	case c.Verbose:
		return logging.LogLevelVerbose
	default:
		return logging.LogLevelNormal
	}
}

// Application runs backup plans
type Application struct {
	config     Config
	logger     *logging.Logger
	builder    *plan.Builder
	executor   *pipeline.Executor
	postBackup *pipeline.PostBackupRunner

	errOut  io.Writer
	colored bool
	clock   func() time.Time
}

// Option customizes an Application
type Option func(*Application)

// WithLogger replaces the logger built from the configuration
func WithLogger(logger *logging.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// WithRegistry replaces the built-in module registry
func WithRegistry(registry *modules.Registry) Option {
	return func(app *Application) { app.builder = plan.NewBuilder(registry) }
}

// WithErrorOutput sets where error reports are written
func WithErrorOutput(w io.Writer, colored bool) Option {
	return func(app *Application) {
		app.errOut = w
		app.colored = colored
	}
}

// WithClock sets the clock stages read the current instant from
func WithClock(clock func() time.Time) Option {
	return func(app *Application) { app.clock = clock }
}

// NewApplication creates an application from the run options
func NewApplication(config Config, opts ...Option) (*Application, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	app := &Application{
		config:     config,
		builder:    plan.NewBuilder(modules.DefaultRegistry()),
		executor:   pipeline.NewExecutor(),
		postBackup: pipeline.NewPostBackupRunner(),
		errOut:     os.Stderr,
		colored:    apperrors.ColorSupported(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		logger, err := logging.NewLogger(logging.Config{
			Level:   config.LogLevel(),
			Output:  os.Stdout,
			Format:  config.LogFormat,
			LogFile: config.LogFile,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		app.logger = logger
	}
	return app, nil
}

// Run attempts every plan in order and reports whether any of them failed
func (app *Application) Run(ctx context.Context, dir stage.Direction, plans []plan.Descriptor) bool {
	start := time.Now()
	hadError := false
	if len(plans) == 0 {
		app.logger.Warn("No backup plan to run")
	}

	for _, d := range plans {
		if err := app.runPlan(ctx, dir, d); err != nil {
			hadError = true
			app.handlePlanError(err)
		}
	}

	app.logger.WithField("plans", len(plans)).Infof("Backups took %s", time.Since(start).Round(time.Millisecond))
	return hadError
}

// runPlan builds and runs one plan. Post-backup stages run even when the
// stream chain failed; both failures are returned.
func (app *Application) runPlan(ctx context.Context, dir stage.Direction, d plan.Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			app.logger.Errorf("Backup [%s] stopped by an unexpected failure: %v", d.ID, r)
			err = apperrors.NewAppError(apperrors.ErrorTypeUnknown, fmt.Sprintf("unexpected failure: %v", r), nil).ForPlan(d.ID)
		}
	}()

	runID := uuid.NewString()
	app.logger.LogPlanStart(runID, d.ID, dir == stage.DirectionBackup)

	p, err := app.builder.Build(plan.Options{
		DryRun:    app.config.DryRun,
		Verbose:   app.config.Verbose,
		Direction: dir,
		Clock:     app.clock,
		Logger:    app.logger,
	}, d)
	if err != nil {
		return err
	}

	done := app.logger.LogOperationStart("pipeline", map[string]interface{}{"run_id": runID, "backup_id": d.ID})
	pipelineErr := app.executor.Run(p)
	done(pipelineErr)

	postErr := app.postBackup.Run(ctx, p)
	return forPlan(errors.Join(pipelineErr, postErr), d.ID)
}

// handlePlanError logs and reports each failure carried by err
func (app *Application) handlePlanError(err error) {
	for _, e := range flatten(err) {
		appErr := apperrors.NewErrorClassifier().ClassifyError(e)
		fields := map[string]interface{}{
			"error_type":  string(appErr.Type),
			"recoverable": appErr.IsRecoverable(),
			"backup_id":   appErr.BackupID,
		}
		if appErr.Module != "" {
			fields["module"] = appErr.Module
		}
		if appErr.IsRecoverable() {
			app.logger.WithFields(fields).Error("Backup plan failed")
		} else {
			app.logger.WithFields(fields).Error("Backup plan failed with an unexpected error")
		}
		fmt.Fprintln(app.errOut, apperrors.Report(appErr, app.colored))
	}
}

// GetLogger returns the application logger
func (app *Application) GetLogger() *logging.Logger {
	return app.logger
}

// flatten returns the leaves of errors joined with errors.Join
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var leaves []error
		for _, e := range joined.Unwrap() {
			leaves = append(leaves, flatten(e)...)
		}
		return leaves
	}
	return []error{err}
}

// forPlan binds every failure carried by err to the plan id
func forPlan(err error, id string) error {
	leaves := flatten(err)
	if len(leaves) == 0 {
		return nil
	}
	scoped := make([]error, len(leaves))
	for i, e := range leaves {
		appErr := apperrors.NewErrorClassifier().ClassifyError(e)
		if appErr.BackupID == "" {
			appErr.ForPlan(id)
		}
		scoped[i] = appErr
	}
	if len(scoped) == 1 {
		return scoped[0]
	}
	return errors.Join(scoped...)
}
