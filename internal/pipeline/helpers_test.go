package pipeline

import (
	"bytes"
	"os"
	"os/exec"
	"testing"

	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/plan"
	"backup-orchestrator/internal/stage"

	"github.com/stretchr/testify/require"
)

// commandStage runs a fixed command in each direction
type commandStage struct {
	stage.Base
	name    string
	kind    stage.Kind
	backup  []string
	restore []string
}

func (s *commandStage) ModuleName() string        { return s.name }
func (s *commandStage) Kind() stage.Kind          { return s.kind }
func (s *commandStage) ValidateParameters() error { return nil }

func (s *commandStage) Command(dir stage.Direction) ([]string, error) {
	if dir == stage.DirectionRestore {
		return s.restore, nil
	}
	return s.backup, nil
}

// fileSink is a writer storing the stream in path with cat
type fileSink struct {
	commandStage
	path string
}

func (s *fileSink) DescribeDryRun(stage.Direction) ([]string, error) {
	return []string{">", s.path}, nil
}

func (s *fileSink) BeforeSpawn(_ stage.Direction, proc *stage.ProcessIO) (func() error, error) {
	f, err := os.Create(s.path)
	if err != nil {
		return nil, err
	}
	proc.Stdout = f
	return f.Close, nil
}

func cmd(name string, kind stage.Kind, argv ...string) *commandStage {
	return &commandStage{name: name, kind: kind, backup: argv, restore: argv}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// bufferLogger returns a debug logger writing into the returned buffer
func bufferLogger(t *testing.T) (*logging.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.NewLogger(logging.Config{Level: logging.LogLevelVerbose, Output: &buf, Format: "text"})
	require.NoError(t, err)
	return logger, &buf
}

func newPlan(rc stage.RunContext, reader stage.CommandStage, writer stage.CommandStage, transformers ...stage.CommandStage) *plan.ExecutablePlan {
	bus := stage.NewBus()
	bus.Freeze()
	return &plan.ExecutablePlan{
		ID:           rc.BackupID,
		Context:      rc,
		Reader:       reader,
		Transformers: transformers,
		Writer:       writer,
		Bus:          bus,
	}
}
