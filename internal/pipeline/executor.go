// Package pipeline runs the stream chain of an executable plan, either by
// rendering it as a shell-like line (dry-run) or by spawning one external
// process per stage connected through pipes, and runs post-backup actions.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/plan"
	"backup-orchestrator/internal/stage"
)

// Rendered is the dry-run form of a chain
type Rendered string

// StreamOrder returns the command stages in the order the stream flows.
// A restore reads the writer's storage, reverts the transformers from last to
// first, and hands the stream to the reader.
func StreamOrder(p *plan.ExecutablePlan, dir stage.Direction) []stage.CommandStage {
	chain := p.Chain()
	if dir == stage.DirectionBackup {
		return chain
	}
	reversed := make([]stage.CommandStage, len(chain))
	for i, s := range chain {
		reversed[len(chain)-1-i] = s
	}
	return reversed
}

// Render joins the dry-run description of every stage with a pipe separator
func Render(chain []stage.CommandStage, dir stage.Direction) (Rendered, error) {
	parts := make([]string, 0, len(chain))
	for _, s := range chain {
		var argv []string
		var err error
		if describer, ok := s.(stage.DryRunDescriber); ok {
			argv, err = describer.DescribeDryRun(dir)
		} else {
			argv, err = s.Command(dir)
		}
		if err != nil {
			return "", scope(err, s)
		}
		parts = append(parts, strings.Join(argv, " "))
	}
	return Rendered(strings.Join(parts, " | ")), nil
}

// process is one spawned stage of a chain
type process struct {
	module string
	argv   []string
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

// Chain is a started process chain
type Chain struct {
	processes []*process
	logger    *logging.Logger
}

// Start spawns every stage of chain, the output of one being the input of the
// next. The executor's copy of each pipe end is closed as soon as the process
// holding the other end is started, so an early exit downstream is seen
// upstream as a broken pipe. Start refuses to run in dry-run mode.
func Start(rc stage.RunContext, chain []stage.CommandStage, dir stage.Direction) (*Chain, error) {
	if rc.DryRun {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeInvariant, apperrors.ErrForbiddenCall.Error(), apperrors.ErrForbiddenCall)
	}

	c := &Chain{logger: rc.Log()}
	var stdin *os.File
	closeStdin := func() {
		if stdin != nil {
			stdin.Close()
			stdin = nil
		}
	}

	for i, s := range chain {
		p, next, err := c.spawn(s, dir, stdin, i == len(chain)-1)
		closeStdin()
		if err != nil {
			return nil, errors.Join(scope(err, s), c.Wait())
		}
		c.processes = append(c.processes, p)
		stdin = next
	}
	closeStdin()
	return c, nil
}

// spawn starts one stage reading stdin and returns the read end of its output
// pipe, nil for the last stage or a stage whose hook chose its output
func (c *Chain) spawn(s stage.CommandStage, dir stage.Direction, stdin *os.File, last bool) (*process, *os.File, error) {
	argv, err := s.Command(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(argv) == 0 {
		return nil, nil, apperrors.NewInvariantError("empty command")
	}
	proc := &stage.ProcessIO{Argv: argv}

	var release func() error
	if hook, ok := s.(stage.ProcessHook); ok {
		if release, err = hook.BeforeSpawn(dir, proc); err != nil {
			return nil, nil, err
		}
	}
	if release != nil {
		defer release()
	}

	var readEnd, writeEnd *os.File
	if proc.Stdout == nil && !last {
		if readEnd, writeEnd, err = os.Pipe(); err != nil {
			return nil, nil, apperrors.NewRunningError("Unable to create pipe", err)
		}
		defer writeEnd.Close()
		proc.Stdout = writeEnd
	}

	p := &process{module: s.ModuleName(), argv: proc.Argv, stderr: &bytes.Buffer{}}
	p.cmd = exec.Command(proc.Argv[0], proc.Argv[1:]...)
	if stdin != nil {
		p.cmd.Stdin = stdin
	}
	if proc.Stdout != nil {
		p.cmd.Stdout = proc.Stdout
	}
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		if readEnd != nil {
			readEnd.Close()
		}
		return nil, nil, apperrors.NewRunningError(fmt.Sprintf("Unable to start %s", proc.Argv[0]), err).
			WithCommand(proc.Argv, -1, "")
	}
	c.logger.LogCommand(p.module, p.argv)
	return p, readEnd, nil
}

// Wait waits for every process in spawn order. Every failure is reported, with
// the argument vector and diagnostic output of the process; diagnostic output
// of a successful process is logged at debug level.
func (c *Chain) Wait() error {
	var errs []error
	for _, p := range c.processes {
		err := p.cmd.Wait()
		if err == nil {
			c.logger.LogProcessOutput(p.module, p.stderr.String())
			continue
		}

		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		errs = append(errs, apperrors.NewRunningError(fmt.Sprintf("Error during execution of %s", p.argv[0]), err).
			WithCommand(p.argv, code, p.stderr.String()).
			ForModule(p.module))
	}
	c.processes = nil
	return errors.Join(errs...)
}

// Executor runs the stream chain of a plan
type Executor struct{}

// NewExecutor creates an executor
func NewExecutor() *Executor {
	return &Executor{}
}

// Run renders the chain in dry-run mode, otherwise spawns it and waits for it
func (e *Executor) Run(p *plan.ExecutablePlan) error {
	dir := p.Context.Direction
	chain := StreamOrder(p, dir)
	log := p.Context.Log()

	if p.Context.DryRun {
		rendered, err := Render(chain, dir)
		if err != nil {
			return err
		}
		log.Infof("Command [%s] would have been ran.", rendered)
		return nil
	}

	running, err := Start(p.Context, chain, dir)
	if err != nil {
		return err
	}
	return running.Wait()
}

func scope(err error, s stage.Stage) error {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.NewErrorClassifier().ClassifyError(err)
	}
	if appErr.Module == "" {
		appErr.ForModule(s.ModuleName())
	}
	return appErr
}
