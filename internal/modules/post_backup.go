package modules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"
)

// Post-backup module names
const (
	CleanFolderModule = "cleanFolder"
	RsyncModule       = "rsync"
)

func nothingToDo(module string) stage.Action {
	return stage.NoAction{Reason: fmt.Sprintf("Module [%s] has nothing to do", module)}
}

var cleanFolderSchema = stage.Schema{
	{Name: "retention", Type: stage.TypeInt, Required: true, Min: stage.Int(1),
		Hint: "Retention duration in days"},
}

// CleanFolder removes backup files older than the retention
type CleanFolder struct {
	stage.Base
	retention int
}

// NewCleanFolder creates the cleanFolder post-backup
func NewCleanFolder(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &CleanFolder{Base: stage.NewBase(rc, args, bus)}
}

func (c *CleanFolder) ModuleName() string { return CleanFolderModule }
func (c *CleanFolder) Kind() stage.Kind   { return stage.KindPostBackup }

func (c *CleanFolder) ValidateParameters() error {
	params, err := cleanFolderSchema.Validate(c.Args)
	if err != nil {
		return err
	}
	c.retention = params.Int("retention")
	return nil
}

// EffectiveRetention returns the configured retention, raised to the largest
// preservation window published by the readers
func (c *CleanFolder) EffectiveRetention() int {
	window, found := c.Bus.MaxFilePreservationWindow()
	if found && c.retention < window {
		c.Context.Log().Warnf("Retention [%d] is lower than the minimum possible [%d]. Retention value is overridden by the minimum",
			c.retention, window)
		return window
	}
	return c.retention
}

// PrepareAction selects the files to remove
func (c *CleanFolder) PrepareAction(dir stage.Direction) (stage.Action, error) {
	if dir == stage.DirectionRestore {
		return nothingToDo(c.ModuleName()), nil
	}

	outputDir, err := c.Bus.OutputDirectory()
	if err != nil {
		return nil, err
	}
	files, err := expiredFiles(outputDir, c.EffectiveRetention(), c.Context.Now())
	if err != nil {
		return nil, err
	}

	lines := make([]string, len(files))
	for i, f := range files {
		lines[i] = fmt.Sprintf("File [%s] would have been deleted.", f)
	}

	log := c.Context.Log()
	return stage.ActionFunc{
		Lines: lines,
		Run: func(context.Context) error {
			for _, f := range files {
				if err := os.Remove(f); err != nil {
					return apperrors.NewRunningError(fmt.Sprintf("Unable to remove file [%s]", f), err)
				}
				log.Infof("File [%s] removed", f)
			}
			return nil
		},
	}, nil
}

// expiredFiles lists the dated files of dir whose age in whole days is strictly
// greater than retention
func expiredFiles(dir string, retention int, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewRunningError(fmt.Sprintf("Unable to list directory [%s]", dir), err)
	}

	var files []string
	for _, entry := range entries {
		matches := datetimeFileRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		created, err := stage.ParseDatetime(matches[1])
		if err != nil {
			continue
		}
		if ageInDays(created, now) > retention {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// ageInDays counts the whole days between the wall clocks of created and now,
// so a daylight saving change neither adds nor removes a day
func ageInDays(created, now time.Time) int {
	wall := func(t time.Time) time.Time {
		t = t.In(now.Location())
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
	return int(math.Floor(wall(now).Sub(wall(created)).Hours() / 24))
}

var rsyncSchema = stage.Schema{
	{Name: "ip-addr", Type: stage.TypeString, Required: true, Hint: "IP address of the remote host"},
	{Name: "dest-module", Type: stage.TypeString, Hint: "Destination rsyncd module"},
	{Name: "dest-folder", Type: stage.TypeString, Required: true, Hint: "Destination folder"},
	{Name: "user", Type: stage.TypeString, Required: true, Hint: "Username used to log in"},
	{Name: "password-file", Type: stage.TypeString, Hint: secretHint},
}

// rsyncProgram is replaced in tests
var rsyncProgram = "rsync"

// Rsync mirrors the output folder to a remote host
type Rsync struct {
	stage.Base
	params stage.Args
}

// NewRsync creates the rsync post-backup
func NewRsync(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &Rsync{Base: stage.NewBase(rc, args, bus)}
}

func (r *Rsync) ModuleName() string { return RsyncModule }
func (r *Rsync) Kind() stage.Kind   { return stage.KindPostBackup }

func (r *Rsync) ValidateParameters() error {
	params, err := rsyncSchema.Validate(r.Args)
	if err != nil {
		return err
	}
	if params.Has("password-file") {
		if err := checkSecretFile("password-file", params.String("password-file")); err != nil {
			return err
		}
	}
	r.params = params
	return nil
}

// remote renders user@host::module/folder for an rsync daemon, user@host:/folder otherwise
func (r *Rsync) remote() string {
	remote := r.params.String("user") + "@" + r.params.String("ip-addr")
	if r.params.Has("dest-module") {
		remote += "::" + r.params.String("dest-module") + "/"
	} else {
		remote += ":/"
	}
	return remote + strings.TrimPrefix(r.params.String("dest-folder"), "/")
}

// Argv returns the rsync invocation pushing the output folder to the remote host
func (r *Rsync) Argv() ([]string, error) {
	outputDir, err := r.Bus.OutputDirectory()
	if err != nil {
		return nil, err
	}

	argv := []string{rsyncProgram}
	if r.Context.Verbose {
		argv = append(argv, "--progress")
	}
	argv = append(argv, "--archive", "--no-inc-recursive", "--exclude=lost+found/", "--delete-after")
	if r.params.Has("password-file") {
		argv = append(argv, "--password-file", r.params.String("password-file"))
	}
	return append(argv, outputDir, r.remote()), nil
}

// PrepareAction builds the rsync command. A restore leaves the remote copy alone.
func (r *Rsync) PrepareAction(dir stage.Direction) (stage.Action, error) {
	if dir == stage.DirectionRestore {
		return nothingToDo(r.ModuleName()), nil
	}
	argv, err := r.Argv()
	if err != nil {
		return nil, err
	}
	return CommandAction{Argv: argv, Name: "rsync"}, nil
}

// CommandAction runs an external program to completion
type CommandAction struct {
	Argv []string
	Name string
}

// Execute runs the command and turns a failure into a running error with its diagnostic output
func (a CommandAction) Execute(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, a.Argv[0], a.Argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return apperrors.NewRunningError(fmt.Sprintf("Error during execution of %s", a.Name), err).
			WithCommand(a.Argv, code, stderr.String())
	}
	return nil
}

// Describe renders the command line
func (a CommandAction) Describe() []string {
	return []string{fmt.Sprintf("Command [%s] would have been ran.", strings.Join(a.Argv, " "))}
}
