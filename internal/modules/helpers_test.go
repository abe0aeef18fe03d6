package modules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"backup-orchestrator/internal/stage"

	"github.com/stretchr/testify/require"
)

// fixedContext returns a backup context whose clock is stopped at now
func fixedContext(id string, now time.Time) stage.RunContext {
	return stage.RunContext{
		BackupID:  id,
		Direction: stage.DirectionBackup,
		Clock:     func() time.Time { return now },
	}
}

// busWithWriter returns a bus holding the metadata of a writer that wrote into dir
func busWithWriter(t *testing.T, dir string, when time.Time) *stage.Bus {
	t.Helper()
	bus := stage.NewBus()
	require.NoError(t, bus.Publish(stage.KindWriter, OutputFileModule, stage.Metadata{
		OutputDirectory: stage.String(dir),
		FilePrefix:      stage.String(stage.FormatDatetime(when) + "-"),
		BackupDatetime:  stage.String(stage.FormatDatetime(when)),
	}))
	return bus
}

// touch creates an empty file with the given mode
func touch(t *testing.T, path string, mode os.FileMode) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, mode))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

// secretFile creates a file readable by its owner only
func secretFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}
