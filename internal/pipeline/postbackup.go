package pipeline

import (
	"context"

	"backup-orchestrator/internal/plan"
	"backup-orchestrator/internal/stage"
)

// PostBackupRunner runs the post-backup stages of a plan, one after the other
type PostBackupRunner struct{}

// NewPostBackupRunner creates a post-backup runner
func NewPostBackupRunner() *PostBackupRunner {
	return &PostBackupRunner{}
}

// Run prepares the action of each post-backup stage, then executes it or, in
// dry-run mode, logs what it would do. The first failure stops the remaining stages.
func (r *PostBackupRunner) Run(ctx context.Context, p *plan.ExecutablePlan) error {
	dir := p.Context.Direction
	log := p.Context.Log()

	for _, s := range p.PostBackups {
		log.LogStageStart(string(s.Kind()), s.ModuleName())

		action, err := s.PrepareAction(dir)
		if err != nil {
			return scope(err, s)
		}

		if none, ok := action.(stage.NoAction); ok {
			for _, line := range none.Describe() {
				log.Debug(line)
			}
			continue
		}

		if p.Context.DryRun {
			for _, line := range action.Describe() {
				log.Info(line)
			}
			continue
		}

		done := log.LogOperationStart("post-backup", map[string]interface{}{"module": s.ModuleName()})
		err = action.Execute(ctx)
		done(err)
		if err != nil {
			return scope(err, s)
		}
	}
	return nil
}
