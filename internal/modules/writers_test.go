package modules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriter(t *testing.T, rc stage.RunContext, root string) (*OutputFileWriter, *stage.Bus) {
	t.Helper()
	bus := stage.NewBus()
	w := NewOutputFileWriter(rc, map[string]interface{}{"path": root, "file-name": "www.tar.gz"}, bus).(*OutputFileWriter)
	return w, bus
}

func TestOutputFileWriter_Backup(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2024, 3, 6, 10, 0, 0, 123456789, time.Local)
	w, bus := newWriter(t, fixedContext("web", now), root)

	require.NoError(t, stage.Prepare(w, bus))

	dir := filepath.Join(root, "web")
	assert.DirExists(t, dir)

	outputDir, err := bus.OutputDirectory()
	require.NoError(t, err)
	assert.Equal(t, dir, outputDir)

	prefix, err := bus.FilePrefix()
	require.NoError(t, err)
	assert.Equal(t, "2024-03-06T10:00:00-", prefix)

	when, err := bus.BackupDatetime()
	require.NoError(t, err)
	assert.True(t, now.Truncate(time.Second).Equal(when))

	outputFile := filepath.Join(dir, "2024-03-06T10:00:00-www.tar.gz")
	assert.Equal(t, outputFile, w.OutputFile())

	argv, err := w.Command(stage.DirectionBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, argv)

	described, err := w.DescribeDryRun(stage.DirectionBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{">", outputFile}, described)

	proc := &stage.ProcessIO{Argv: argv}
	release, err := w.BeforeSpawn(stage.DirectionBackup, proc)
	require.NoError(t, err)
	require.NotNil(t, proc.Stdout)
	require.NoError(t, release())

	info, err := os.Stat(outputFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestOutputFileWriter_DryRunCreatesNothing(t *testing.T) {
	root := t.TempDir()
	rc := fixedContext("web", wednesday)
	rc.DryRun = true
	w, bus := newWriter(t, rc, root)

	require.NoError(t, stage.Prepare(w, bus))
	assert.NoDirExists(t, filepath.Join(root, "web"))
}

func TestOutputFileWriter_NoSubfolder(t *testing.T) {
	root := t.TempDir()
	w, bus := newWriter(t, fixedContext(".", wednesday), root)

	require.NoError(t, stage.Prepare(w, bus))
	dir, err := bus.OutputDirectory()
	require.NoError(t, err)
	assert.Equal(t, root, dir)
}

func TestOutputFileWriter_NotADirectory(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "web"), 0644)
	w, bus := newWriter(t, fixedContext("web", wednesday), root)

	err := stage.Prepare(w, bus)
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrorTypeParameter, appErr.Type)
	assert.Equal(t, "path", appErr.Parameter)
	assert.Equal(t, OutputFileModule, appErr.Module)
}

func TestOutputFileWriter_Restore(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "web")
	touch(t, filepath.Join(dir, "2024-03-01T10:00:00-www.tar.gz"), 0640)
	latest := touch(t, filepath.Join(dir, "2024-03-05T22:30:00-www.tar.gz"), 0640)
	touch(t, filepath.Join(dir, "2024-03-09T10:00:00-other.tar.gz"), 0640)
	touch(t, filepath.Join(dir, "2024-03-09T10:00:00-www-w10.snar"), 0640)

	rc := fixedContext("web", wednesday)
	rc.Direction = stage.DirectionRestore
	w, bus := newWriter(t, rc, root)

	require.NoError(t, stage.Prepare(w, bus))
	assert.Equal(t, latest, w.OutputFile())

	prefix, err := bus.FilePrefix()
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T22:30:00-", prefix)

	argv, err := w.Command(stage.DirectionRestore)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", latest}, argv)

	release, err := w.BeforeSpawn(stage.DirectionRestore, &stage.ProcessIO{})
	require.NoError(t, err)
	assert.Nil(t, release)
}

func TestOutputFileWriter_RestoreWithoutBackup(t *testing.T) {
	rc := fixedContext("web", wednesday)
	rc.Direction = stage.DirectionRestore
	w, bus := newWriter(t, rc, t.TempDir())

	err := stage.Prepare(w, bus)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeParameter, apperrors.GetErrorType(err))
	assert.Contains(t, err.Error(), "does not contain any backup")
}
