package plan

import (
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/modules"
	"backup-orchestrator/internal/stage"
)

// Options are the run-wide settings merged into every plan's context
type Options struct {
	DryRun    bool
	Verbose   bool
	Direction stage.Direction

	Clock  func() time.Time
	Logger *logging.Logger
}

// ExecutablePlan is a plan whose stages are prepared. It is executed once.
type ExecutablePlan struct {
	ID           string
	Context      stage.RunContext
	Reader       stage.CommandStage
	Transformers []stage.CommandStage
	Writer       stage.CommandStage
	PostBackups  []stage.ActionStage
	// Bus is frozen: execution only reads it
	Bus *stage.Bus
}

// Chain returns the command stages in stream order: reader, transformers, writer
func (p *ExecutablePlan) Chain() []stage.CommandStage {
	chain := make([]stage.CommandStage, 0, len(p.Transformers)+2)
	chain = append(chain, p.Reader)
	chain = append(chain, p.Transformers...)
	return append(chain, p.Writer)
}

// Builder instantiates and prepares the stages of a plan
type Builder struct {
	registry *modules.Registry
}

// NewBuilder creates a builder resolving module names with registry
func NewBuilder(registry *modules.Registry) *Builder {
	return &Builder{registry: registry}
}

// Build prepares every stage in the order reader, transformers, writer,
// post-backup. Command generation is left to execution, once the writer has
// published where and when the backup is written.
func (b *Builder) Build(opts Options, d Descriptor) (*ExecutablePlan, error) {
	rc := stage.RunContext{
		BackupID:  d.ID,
		DryRun:    opts.DryRun,
		Direction: opts.Direction,
		Verbose:   opts.Verbose,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	}
	p := &ExecutablePlan{ID: d.ID, Context: rc, Bus: stage.NewBus()}

	var err error
	if p.Reader, err = b.command(rc, p.Bus, d.Reader); err != nil {
		return nil, forPlan(err, d.ID)
	}
	for _, md := range d.Transformers {
		t, err := b.command(rc, p.Bus, md)
		if err != nil {
			return nil, forPlan(err, d.ID)
		}
		p.Transformers = append(p.Transformers, t)
	}
	if p.Writer, err = b.command(rc, p.Bus, d.Writer); err != nil {
		return nil, forPlan(err, d.ID)
	}
	for _, md := range d.PostBackups {
		action, err := b.registry.NewAction(md.Name, rc, md.Args, p.Bus)
		if err != nil {
			return nil, forPlan(err, d.ID)
		}
		if err := b.prepare(rc, p.Bus, action); err != nil {
			return nil, forPlan(err, d.ID)
		}
		p.PostBackups = append(p.PostBackups, action)
	}

	p.Bus.Freeze()
	return p, nil
}

func (b *Builder) command(rc stage.RunContext, bus *stage.Bus, md ModuleDescriptor) (stage.CommandStage, error) {
	s, err := b.registry.NewCommand(md.Kind, md.Name, rc, md.Args, bus)
	if err != nil {
		return nil, err
	}
	if err := b.prepare(rc, bus, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Builder) prepare(rc stage.RunContext, bus *stage.Bus, s stage.Stage) error {
	rc.Log().WithFields(map[string]interface{}{
		"stage":  string(s.Kind()),
		"module": s.ModuleName(),
	}).Debug("Preparing stage")
	return stage.Prepare(s, bus)
}

// forPlan binds err to the plan id
func forPlan(err error, id string) error {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.NewErrorClassifier().ClassifyError(err)
	}
	return appErr.ForPlan(id)
}
