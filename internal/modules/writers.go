package modules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"
)

// OutputFileModule is the name of the file writer
const OutputFileModule = "outputFile"

// Backup files are named <datetime>-<file-name>
var (
	datetimeFileRegex = regexp.MustCompile(`^(\d+-\d+-\d+T\d+:\d+:\d+)`)
	outputFileRegex   = regexp.MustCompile(`^(\d+-\d+-\d+T\d+:\d+:\d+)-(.*)$`)
)

var outputFileSchema = stage.Schema{
	{Name: "path", Type: stage.TypeString, Required: true,
		Hint: "Path to the output folder, a sub-folder named after the backup id is used"},
	{Name: "file-name", Type: stage.TypeString, Required: true,
		Hint: "File name of the backup file, prefixed by the backup date"},
}

const (
	outputDirMode  = 0750
	outputFileMode = 0640
)

// OutputFileWriter stores the stream in a dated file
type OutputFileWriter struct {
	stage.Base
	fileName   string
	outputDir  string
	outputFile string
	datetime   time.Time
	prefix     string
}

// NewOutputFileWriter creates the file writer
func NewOutputFileWriter(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &OutputFileWriter{Base: stage.NewBase(rc, args, bus)}
}

func (w *OutputFileWriter) ModuleName() string { return OutputFileModule }
func (w *OutputFileWriter) Kind() stage.Kind   { return stage.KindWriter }

// ValidateParameters checks the arguments and that an existing output folder is usable
func (w *OutputFileWriter) ValidateParameters() error {
	params, err := outputFileSchema.Validate(w.Args)
	if err != nil {
		return err
	}
	w.fileName = params.String("file-name")
	w.outputDir = filepath.Join(params.String("path"), w.Context.BackupID)

	info, err := os.Stat(w.outputDir)
	if err != nil {
		// Created by PreRunSetup
		return nil
	}
	if !info.IsDir() {
		return apperrors.NewParameterError("path", fmt.Sprintf("Directory [%s] is NOT a directory", w.outputDir),
			outputFileSchema[0].Hint)
	}
	if syscall.Access(w.outputDir, 0x2) != nil {
		return apperrors.NewParameterError("path", fmt.Sprintf("Directory [%s] is not writable", w.outputDir),
			outputFileSchema[0].Hint)
	}
	return nil
}

// PreRunSetup creates the output folder and chooses the backup file
func (w *OutputFileWriter) PreRunSetup() error {
	log := w.Context.Log()
	if w.Context.DryRun {
		log.Infof("Folder [%s] would have been created.", w.outputDir)
	} else {
		if err := os.MkdirAll(w.outputDir, outputDirMode); err != nil {
			return apperrors.NewRunningError(fmt.Sprintf("Unable to create folder [%s]", w.outputDir), err)
		}
		log.Infof("Folder [%s] created", w.outputDir)
	}

	if w.Context.IsBackup() {
		w.datetime = w.Context.Now().Truncate(time.Second)
		w.prefix = stage.FormatDatetime(w.datetime) + "-"
		w.outputFile = filepath.Join(w.outputDir, w.prefix+w.fileName)
		return nil
	}

	path, datetime, err := latestBackupFile(w.outputDir, w.fileName)
	if err != nil {
		return err
	}
	w.datetime = datetime
	w.prefix = stage.FormatDatetime(datetime) + "-"
	w.outputFile = path
	return nil
}

// latestBackupFile returns the newest <datetime>-<fileName> file of dir
func latestBackupFile(dir, fileName string) (string, time.Time, error) {
	var latestPath string
	var latest time.Time

	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		matches := outputFileRegex.FindStringSubmatch(entry.Name())
		if matches == nil || matches[2] != fileName || entry.IsDir() {
			continue
		}
		datetime, err := stage.ParseDatetime(matches[1])
		if err != nil {
			continue
		}
		if latestPath == "" || datetime.After(latest) {
			latest = datetime
			latestPath = filepath.Join(dir, entry.Name())
		}
	}

	if latestPath == "" {
		return "", time.Time{}, apperrors.NewParameterError("path",
			fmt.Sprintf("path [%s] does not contain any backup", dir), outputFileSchema[0].Hint)
	}
	return latestPath, latest, nil
}

// PublishMetadata publishes where and when the backup is written
func (w *OutputFileWriter) PublishMetadata() (stage.Metadata, error) {
	return stage.Metadata{
		OutputDirectory: stage.String(w.outputDir),
		FilePrefix:      stage.String(w.prefix),
		BackupDatetime:  stage.String(stage.FormatDatetime(w.datetime)),
	}, nil
}

// OutputFile returns the backup file written or read by this plan
func (w *OutputFileWriter) OutputFile() string {
	return w.outputFile
}

// Command returns cat: on backup its stdout is the output file, on restore it reads it
func (w *OutputFileWriter) Command(dir stage.Direction) ([]string, error) {
	if dir == stage.DirectionRestore {
		return []string{"cat", w.outputFile}, nil
	}
	return []string{"cat"}, nil
}

// DescribeDryRun shows the backup as a redirection to the output file
func (w *OutputFileWriter) DescribeDryRun(dir stage.Direction) ([]string, error) {
	if dir == stage.DirectionRestore {
		return w.Command(dir)
	}
	return []string{">", w.outputFile}, nil
}

// BeforeSpawn opens the output file as the process stdout
func (w *OutputFileWriter) BeforeSpawn(dir stage.Direction, proc *stage.ProcessIO) (func() error, error) {
	if dir == stage.DirectionRestore {
		return nil, nil
	}
	f, err := os.OpenFile(w.outputFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, outputFileMode)
	if err != nil {
		return nil, apperrors.NewRunningError(fmt.Sprintf("Unable to open file [%s]", w.outputFile), err)
	}
	proc.Stdout = f
	return f.Close, nil
}
