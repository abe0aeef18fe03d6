package modules

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"backup-orchestrator/internal/archive"
	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"
)

// VerifyArchiveModule is the name of the archive integrity post-backup
const VerifyArchiveModule = "verifyArchive"

var verifyArchiveSchema = stage.Schema{
	{Name: "format", Type: stage.TypeString, Enum: []string{"gzip", "zstd", "lz4"},
		Hint: "Compression format of the backup file: gzip, zstd or lz4; detected from the file header when absent"},
	{Name: "password-file", Type: stage.TypeString,
		Hint: "Password file of the crypt transformer, when the backup file is encrypted"},
}

// VerifyArchive decompresses the file written by the backup to detect a corrupt stream
type VerifyArchive struct {
	stage.Base
	format   archive.Format
	password []byte
}

// NewVerifyArchive creates the verifyArchive post-backup
func NewVerifyArchive(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &VerifyArchive{Base: stage.NewBase(rc, args, bus)}
}

func (v *VerifyArchive) ModuleName() string { return VerifyArchiveModule }
func (v *VerifyArchive) Kind() stage.Kind   { return stage.KindPostBackup }

func (v *VerifyArchive) ValidateParameters() error {
	params, err := verifyArchiveSchema.Validate(v.Args)
	if err != nil {
		return err
	}
	v.format = archive.Format(params.String("format"))

	if params.Has("password-file") {
		lines, err := readSecretFile("password-file", params.String("password-file"))
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return apperrors.NewParameterError("password-file", "must hold the password", verifyArchiveSchema[1].Hint)
		}
		v.password = []byte(lines[0])
	}
	return nil
}

// PrepareAction locates the backup file of this run
func (v *VerifyArchive) PrepareAction(dir stage.Direction) (stage.Action, error) {
	if dir == stage.DirectionRestore {
		return nothingToDo(v.ModuleName()), nil
	}

	outputDir, err := v.Bus.OutputDirectory()
	if err != nil {
		return nil, err
	}
	prefix, err := v.Bus.FilePrefix()
	if err != nil {
		return nil, err
	}

	pattern := filepath.Join(outputDir, prefix+"*")
	return stage.ActionFunc{
		Lines: []string{fmt.Sprintf("File [%s] would have been verified.", pattern)},
		Run: func(context.Context) error {
			path, err := backupFileOf(outputDir, prefix)
			if err != nil {
				return err
			}
			return v.verify(path)
		},
	}, nil
}

// backupFileOf returns the file written with prefix, snapshot files excluded
func backupFileOf(dir, prefix string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", apperrors.NewRunningError(fmt.Sprintf("Unable to list directory [%s]", dir), err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, prefix) && !strings.HasSuffix(name, ".snar") {
			return filepath.Join(dir, name), nil
		}
	}
	return "", apperrors.NewRunningError(fmt.Sprintf("No backup file starting with [%s] in [%s]", prefix, dir), nil)
}

func (v *VerifyArchive) verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.NewRunningError(fmt.Sprintf("Unable to open file [%s]", path), err)
	}
	defer f.Close()

	var stream io.Reader = f
	if v.password != nil {
		if stream, err = archive.NewDecryptReader(f, v.password); err != nil {
			return apperrors.NewRunningError(fmt.Sprintf("File [%s] is not a valid encrypted file", path), err)
		}
	}

	result, err := archive.Verify(v.format, stream)
	if err != nil {
		return apperrors.NewRunningError(fmt.Sprintf("File [%s] is not a valid archive", path), err)
	}
	v.Context.Log().Infof("File [%s] verified: %s stream of %d bytes", path, result.Format, result.Size)
	return nil
}
