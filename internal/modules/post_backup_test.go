package modules

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datedFile(t *testing.T, dir string, daysAgo int, name string) string {
	t.Helper()
	return touch(t, filepath.Join(dir, stage.FormatDatetime(wednesday.AddDate(0, 0, -daysAgo))+"-"+name), 0640)
}

func TestCleanFolder_RetentionRaisedToWindow(t *testing.T) {
	dir := t.TempDir()
	recent := datedFile(t, dir, 3, "www.tar")
	boundary := datedFile(t, dir, 7, "www.tar")
	expired := datedFile(t, dir, 8, "www.tar")
	notes := touch(t, filepath.Join(dir, "notes.txt"), 0640)

	bus := busWithWriter(t, dir, wednesday)
	require.NoError(t, bus.Publish(stage.KindReader, FilesModule, stage.Metadata{FilePreservationWindow: stage.Int(7)}))

	c := NewCleanFolder(fixedContext("web", wednesday), map[string]interface{}{"retention": 2}, bus).(*CleanFolder)
	require.NoError(t, stage.Prepare(c, bus))
	assert.Equal(t, 7, c.EffectiveRetention())

	action, err := c.PrepareAction(stage.DirectionBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{"File [" + expired + "] would have been deleted."}, action.Describe())

	require.NoError(t, action.Execute(context.Background()))
	assert.NoFileExists(t, expired)
	for _, kept := range []string{recent, boundary, notes} {
		assert.FileExists(t, kept)
	}
}

func TestCleanFolder_Retention(t *testing.T) {
	dir := t.TempDir()
	datedFile(t, dir, 1, "www.tar")
	old := datedFile(t, dir, 3, "www.tar")
	snapshot := datedFile(t, dir, 4, "www-w09.snar")

	bus := busWithWriter(t, dir, wednesday)
	c := NewCleanFolder(fixedContext("web", wednesday), map[string]interface{}{"retention": 2}, bus).(*CleanFolder)
	require.NoError(t, stage.Prepare(c, bus))

	action, err := c.PrepareAction(stage.DirectionBackup)
	require.NoError(t, err)
	assert.Len(t, action.Describe(), 2)
	assert.Contains(t, action.Describe()[0], snapshot)
	assert.Contains(t, action.Describe()[1], old)
}

func TestCleanFolder_Validation(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing retention", map[string]interface{}{}},
		{"zero retention", map[string]interface{}{"retention": 0}},
		{"not a number", map[string]interface{}{"retention": "ten"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := stage.NewBus()
			err := stage.Prepare(NewCleanFolder(stage.RunContext{}, tt.args, bus), bus)
			require.Error(t, err)
			appErr, ok := apperrors.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, "retention", appErr.Parameter)
			assert.Equal(t, CleanFolderModule, appErr.Module)
		})
	}
}

func TestCleanFolder_Restore(t *testing.T) {
	rc := fixedContext("web", wednesday)
	rc.Direction = stage.DirectionRestore
	bus := busWithWriter(t, t.TempDir(), wednesday)
	c := NewCleanFolder(rc, map[string]interface{}{"retention": 2}, bus).(*CleanFolder)
	require.NoError(t, stage.Prepare(c, bus))

	action, err := c.PrepareAction(stage.DirectionRestore)
	require.NoError(t, err)
	assert.Equal(t, []string{"Module [cleanFolder] has nothing to do"}, action.Describe())
}

func TestAgeInDays(t *testing.T) {
	assert.Equal(t, 0, ageInDays(wednesday.Add(-23*time.Hour), wednesday))
	assert.Equal(t, 1, ageInDays(wednesday.AddDate(0, 0, -1), wednesday))
	assert.Equal(t, 2, ageInDays(wednesday.AddDate(0, 0, -2).Add(-time.Minute), wednesday))
}

func TestAgeInDays_DaylightSaving(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skip("time zone database not available")
	}

	// clocks move forward on 2024-03-31
	now := time.Date(2024, 4, 2, 12, 0, 0, 0, paris)
	assert.Equal(t, 3, ageInDays(time.Date(2024, 3, 30, 12, 0, 0, 0, paris), now))
	assert.Equal(t, 2, ageInDays(time.Date(2024, 3, 30, 12, 0, 1, 0, paris), now))

	// and back on 2024-10-27
	now = time.Date(2024, 10, 28, 12, 0, 0, 0, paris)
	assert.Equal(t, 2, ageInDays(time.Date(2024, 10, 26, 12, 0, 0, 0, paris), now))
	assert.Equal(t, 1, ageInDays(time.Date(2024, 10, 26, 12, 30, 0, 0, paris), now))
}

func TestRsync_Argv(t *testing.T) {
	passwordFile := secretFile(t, "pass\n")

	tests := []struct {
		name    string
		args    map[string]interface{}
		verbose bool
		want    []string
	}{
		{
			name: "ssh",
			args: map[string]interface{}{"ip-addr": "10.0.0.2", "dest-folder": "/backups", "user": "bck"},
			want: []string{"rsync", "--archive", "--no-inc-recursive", "--exclude=lost+found/", "--delete-after",
				"/var/backups/web", "bck@10.0.0.2:/backups"},
		},
		{
			name: "daemon module with password",
			args: map[string]interface{}{"ip-addr": "10.0.0.2", "dest-module": "vault", "dest-folder": "/web",
				"user": "bck", "password-file": passwordFile},
			verbose: true,
			want: []string{"rsync", "--progress", "--archive", "--no-inc-recursive", "--exclude=lost+found/",
				"--delete-after", "--password-file", passwordFile, "/var/backups/web", "bck@10.0.0.2::vault/web"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := fixedContext("web", wednesday)
			rc.Verbose = tt.verbose
			rc.DryRun = true
			bus := busWithWriter(t, "/var/backups/web", wednesday)
			r := NewRsync(rc, tt.args, bus).(*Rsync)
			require.NoError(t, stage.Prepare(r, bus))

			argv, err := r.Argv()
			require.NoError(t, err)
			assert.Equal(t, tt.want, argv)
		})
	}
}

func TestRsync_Validation(t *testing.T) {
	shared := touch(t, filepath.Join(t.TempDir(), "pass"), 0644)

	tests := []struct {
		name      string
		args      map[string]interface{}
		parameter string
	}{
		{"missing host", map[string]interface{}{"dest-folder": "/b", "user": "u"}, "ip-addr"},
		{"unknown field", map[string]interface{}{"ip-addr": "h", "dest-folder": "/b", "user": "u", "port": 22}, "port"},
		{"shared password file", map[string]interface{}{"ip-addr": "h", "dest-folder": "/b", "user": "u",
			"password-file": shared}, "password-file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := stage.NewBus()
			err := stage.Prepare(NewRsync(stage.RunContext{DryRun: true}, tt.args, bus), bus)
			require.Error(t, err)
			appErr, ok := apperrors.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, apperrors.ErrorTypeParameter, appErr.Type)
			assert.Equal(t, tt.parameter, appErr.Parameter)
		})
	}
}

func TestRsync_PrepareAction(t *testing.T) {
	bus := busWithWriter(t, "/var/backups/web", wednesday)
	r := NewRsync(fixedContext("web", wednesday), map[string]interface{}{
		"ip-addr": "10.0.0.2", "dest-folder": "/backups", "user": "bck",
	}, bus).(*Rsync)
	require.NoError(t, stage.Prepare(r, bus))

	action, err := r.PrepareAction(stage.DirectionBackup)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Command [rsync --archive --no-inc-recursive --exclude=lost+found/ --delete-after /var/backups/web bck@10.0.0.2:/backups] would have been ran.",
	}, action.Describe())
}

func TestRsync_RestoreLeavesBackupsAlone(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	backup := touch(t, filepath.Join(dir, "2024-03-06T10:00:00-www.tar"), 0640)
	marker := filepath.Join(t.TempDir(), "called")
	fake := filepath.Join(t.TempDir(), "rsync")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\ntouch "+marker+"\n"), 0755))

	previous := rsyncProgram
	rsyncProgram = fake
	t.Cleanup(func() { rsyncProgram = previous })

	rc := fixedContext("web", wednesday)
	rc.Direction = stage.DirectionRestore
	bus := busWithWriter(t, dir, wednesday)
	r := NewRsync(rc, map[string]interface{}{
		"ip-addr": "10.0.0.2", "dest-folder": "/backups", "user": "bck",
	}, bus).(*Rsync)
	require.NoError(t, stage.Prepare(r, bus))

	action, err := r.PrepareAction(stage.DirectionRestore)
	require.NoError(t, err)
	assert.IsType(t, stage.NoAction{}, action)
	assert.Equal(t, []string{"Module [rsync] has nothing to do"}, action.Describe())

	require.NoError(t, action.Execute(context.Background()))
	assert.NoFileExists(t, marker)
	assert.FileExists(t, backup)
}

func TestCommandAction_Failure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	action := CommandAction{Argv: []string{"sh", "-c", "echo unreachable >&2; exit 3"}, Name: "rsync"}
	err := action.Execute(context.Background())
	require.Error(t, err)

	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrorTypeRunning, appErr.Type)
	assert.Equal(t, "Error during execution of rsync", appErr.Message)
	assert.Equal(t, 3, appErr.ExitCode)
	assert.Equal(t, "unreachable\n", appErr.Output)
	assert.Equal(t, action.Argv, appErr.Command)
}

func TestCommandAction_MissingProgram(t *testing.T) {
	action := CommandAction{Argv: []string{"/nonexistent/rsync"}, Name: "rsync"}
	err := action.Execute(context.Background())
	require.Error(t, err)

	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, -1, appErr.ExitCode)
}
