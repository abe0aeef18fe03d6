// Package stage defines the contract shared by every pluggable pipeline stage:
// readers, transformers, writers and post-backup actions.
//
// A stage is prepared exactly once per plan, in a fixed order: its arguments are
// validated, its pre-run setup executes, and the metadata it publishes is added
// to the plan's Bus. Command stages (readers, transformers, writers) then produce
// argument vectors for external programs; action stages (post-backup) produce an
// Action that is either executed or described, depending on the run mode.
package stage

import (
	"context"
	"io"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/logging"
)

// Kind identifies the role of a stage and the metadata namespace it publishes to
type Kind string

const (
	KindReader      Kind = "reader"
	KindTransformer Kind = "transformer"
	KindWriter      Kind = "writer"
	KindPostBackup  Kind = "post-backup"
)

// Kinds lists every stage kind in build order
var Kinds = []Kind{KindReader, KindTransformer, KindWriter, KindPostBackup}

// Direction selects between backing up and restoring
type Direction int

const (
	DirectionBackup Direction = iota
	DirectionRestore
)

func (d Direction) String() string {
	if d == DirectionRestore {
		return "restore"
	}
	return "backup"
}

// RunContext is shared by all stages of one plan and never changes once the plan starts building
type RunContext struct {
	BackupID  string
	DryRun    bool
	Direction Direction
	Verbose   bool

	// Clock returns the current instant; nil means time.Now
	Clock func() time.Time
	// Logger receives stage messages; nil discards them
	Logger *logging.Logger
}

// IsBackup reports whether the plan runs in backup direction
func (rc RunContext) IsBackup() bool {
	return rc.Direction == DirectionBackup
}

// Now returns the current instant according to the context clock
func (rc RunContext) Now() time.Time {
	if rc.Clock != nil {
		return rc.Clock()
	}
	return time.Now()
}

// Log returns the context logger
func (rc RunContext) Log() *logging.Logger {
	if rc.Logger == nil {
		return logging.NewDiscardLogger()
	}
	return rc.Logger
}

// Stage is the capability set every pipeline stage implements
type Stage interface {
	ModuleName() string
	Kind() Kind

	// ValidateParameters checks the raw arguments against the module schema
	ValidateParameters() error
	// PreRunSetup runs side effects the stage needs before the pipeline starts
	PreRunSetup() error
	// PublishMetadata computes the facts this stage shares with the others
	PublishMetadata() (Metadata, error)
}

// CommandStage is a stage backed by an external program
type CommandStage interface {
	Stage
	// Command returns the argument vector for the given direction.
	// It never spawns anything and is safe to call in dry-run mode.
	Command(dir Direction) ([]string, error)
}

// DryRunDescriber lets a command stage render itself differently in dry-run output
type DryRunDescriber interface {
	DescribeDryRun(dir Direction) ([]string, error)
}

// ProcessHook lets a command stage adjust its process right before it is spawned.
// The returned release function, when not nil, is called once the process is started.
type ProcessHook interface {
	BeforeSpawn(dir Direction, proc *ProcessIO) (release func() error, err error)
}

// ProcessIO is the part of a process a hook may change
type ProcessIO struct {
	Argv   []string
	Stdout io.Writer
}

// Action is the prepared work of a post-backup stage
type Action interface {
	// Execute performs the action
	Execute(ctx context.Context) error
	// Describe returns what Execute would do, one line per effect
	Describe() []string
}

// ActionStage is a stage whose work runs in-process after the pipeline
type ActionStage interface {
	Stage
	PrepareAction(dir Direction) (Action, error)
}

// Base carries what every module needs and supplies the optional hooks
type Base struct {
	Context RunContext
	Args    map[string]interface{}
	Bus     *Bus
}

// NewBase creates the shared part of a stage
func NewBase(rc RunContext, args map[string]interface{}, bus *Bus) Base {
	if args == nil {
		args = map[string]interface{}{}
	}
	return Base{Context: rc, Args: args, Bus: bus}
}

// PreRunSetup does nothing by default
func (b *Base) PreRunSetup() error { return nil }

// PublishMetadata publishes nothing by default
func (b *Base) PublishMetadata() (Metadata, error) { return Metadata{}, nil }

// Prepare validates the stage, runs its pre-run setup and publishes its metadata to the bus.
// The order is fixed: setup may rely on validated parameters, and publication on setup results.
func Prepare(s Stage, bus *Bus) error {
	if err := s.ValidateParameters(); err != nil {
		return scope(err, s)
	}
	if err := s.PreRunSetup(); err != nil {
		return scope(err, s)
	}
	md, err := s.PublishMetadata()
	if err != nil {
		return scope(err, s)
	}
	if err := bus.Publish(s.Kind(), s.ModuleName(), md); err != nil {
		return scope(err, s)
	}
	return nil
}

func scope(err error, s Stage) error {
	if appErr, ok := apperrors.AsAppError(err); ok {
		if appErr.Module == "" {
			appErr.ForModule(s.ModuleName())
		}
		return appErr
	}
	return apperrors.NewErrorClassifier().ClassifyError(err).ForModule(s.ModuleName())
}

// NoAction is an Action with nothing to execute
type NoAction struct {
	Reason string
}

// Execute does nothing
func (NoAction) Execute(context.Context) error { return nil }

// Describe returns the reason, if any
func (n NoAction) Describe() []string {
	if n.Reason == "" {
		return nil
	}
	return []string{n.Reason}
}

// ActionFunc adapts a pair of closures to the Action interface
type ActionFunc struct {
	Run   func(ctx context.Context) error
	Lines []string
}

// Execute calls Run
func (a ActionFunc) Execute(ctx context.Context) error {
	if a.Run == nil {
		return nil
	}
	return a.Run(ctx)
}

// Describe returns Lines
func (a ActionFunc) Describe() []string { return a.Lines }
