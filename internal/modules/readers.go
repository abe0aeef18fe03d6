package modules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "backup-orchestrator/internal/errors"
	"backup-orchestrator/internal/stage"

	"github.com/go-sql-driver/mysql"
)

// Reader module names
const (
	FilesModule   = "files"
	MariaDBModule = "mariaDBDatabase"
)

const (
	frequencyWeekly  = "weekly"
	frequencyMonthly = "monthly"
)

var filesSchema = stage.Schema{
	{Name: "path", Type: stage.TypeString, Required: true,
		Hint: "Path of the folder to back up"},
	{Name: "incremental-metadata-file-prefix", Type: stage.TypeString,
		Hint: "Name of the snapshot file used to store differences between backups"},
	{Name: "level-0-frequency", Type: stage.TypeString, Enum: []string{frequencyWeekly, frequencyMonthly},
		Default: frequencyWeekly, Requires: "incremental-metadata-file-prefix",
		Hint: "When a full backup has to be done: weekly or monthly"},
}

// FilesReader archives a folder with tar, optionally as an incremental backup
type FilesReader struct {
	stage.Base
	params stage.Args
}

// NewFilesReader creates the files reader
func NewFilesReader(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &FilesReader{Base: stage.NewBase(rc, args, bus)}
}

func (r *FilesReader) ModuleName() string { return FilesModule }
func (r *FilesReader) Kind() stage.Kind   { return stage.KindReader }

// ValidateParameters checks the reader arguments
func (r *FilesReader) ValidateParameters() error {
	params, err := filesSchema.Validate(r.Args)
	if err != nil {
		return err
	}
	r.params = params
	return nil
}

func (r *FilesReader) incremental() bool {
	return r.params.Has("incremental-metadata-file-prefix")
}

// PublishMetadata publishes how many days of files an incremental chain needs.
// The count starts at the first day of the current week or month, that day included.
func (r *FilesReader) PublishMetadata() (stage.Metadata, error) {
	days := 0
	if r.Context.IsBackup() && r.incremental() {
		days = preservationWindow(r.params.String("level-0-frequency"), r.Context.Now())
	}
	return stage.Metadata{FilePreservationWindow: stage.Int(days)}, nil
}

func preservationWindow(frequency string, now time.Time) int {
	if frequency == frequencyMonthly {
		return now.Day()
	}
	// Monday is the first day of the week
	return (int(now.Weekday())+6)%7 + 1
}

// Command returns the tar invocation
func (r *FilesReader) Command(dir stage.Direction) ([]string, error) {
	argv := []string{"tar"}
	if r.Context.Verbose {
		argv = append(argv, "--verbose")
	}
	if r.incremental() {
		snapshot, err := r.SnapshotFile()
		if err != nil {
			return nil, err
		}
		argv = append(argv, "--listed-incremental", snapshot)
	}

	if dir == stage.DirectionRestore {
		return append(argv, "--extract", r.params.String("path")), nil
	}
	return append(argv, "--create", r.params.String("path")), nil
}

// SnapshotFile returns the path of the tar snapshot file for the writer's backup instant.
// An existing snapshot of the same week (or month) is reused, so a level 0 archive is
// only made once per period.
func (r *FilesReader) SnapshotFile() (string, error) {
	outputDir, err := r.Bus.OutputDirectory()
	if err != nil {
		return "", err
	}
	prefix, err := r.Bus.FilePrefix()
	if err != nil {
		return "", err
	}
	when, err := r.Bus.BackupDatetime()
	if err != nil {
		return "", err
	}

	name := r.params.String("incremental-metadata-file-prefix")
	if r.params.String("level-0-frequency") == frequencyMonthly {
		name += fmt.Sprintf("-m%02d", int(when.Month()))
	} else {
		_, week := when.ISOWeek()
		name += fmt.Sprintf("-w%02d", week)
	}
	name += ".snar"

	entries, err := os.ReadDir(outputDir)
	if err != nil && !os.IsNotExist(err) {
		return "", apperrors.NewRunningError(fmt.Sprintf("Unable to list directory [%s]", outputDir), err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), name) {
			return filepath.Join(outputDir, entry.Name()), nil
		}
	}
	return filepath.Join(outputDir, prefix+name), nil
}

// BeforeSpawn moves the folder to restore aside, to <path>-bck
func (r *FilesReader) BeforeSpawn(dir stage.Direction, _ *stage.ProcessIO) (func() error, error) {
	if dir != stage.DirectionRestore {
		return nil, nil
	}

	src := filepath.Clean(r.params.String("path"))
	if _, err := os.Lstat(src); os.IsNotExist(err) {
		return nil, nil
	}
	dst := src + "-bck"
	if err := os.Rename(src, dst); err != nil {
		return nil, apperrors.NewRunningError(fmt.Sprintf("Unable to move [%s] to [%s]", src, dst), err)
	}
	r.Context.Log().Infof("Folder [%s] moved to [%s]", src, dst)
	return nil, nil
}

var mariaDBSchema = stage.Schema{
	{Name: "database-name", Type: stage.TypeString, Required: true,
		Hint: "Name of the MariaDB database"},
	{Name: "check-dsn", Type: stage.TypeString,
		Hint: "Data source name used to check the database exists before the backup, e.g. user:password@tcp(localhost:3306)/"},
}

// openDB is replaced in tests
var openDB = func(dsn string) (*sql.DB, error) {
	return sql.Open("mysql", dsn)
}

const databaseCheckTimeout = 10 * time.Second

// MariaDBReader dumps a database with mysqldump and restores it with mysql
type MariaDBReader struct {
	stage.Base
	params stage.Args
}

// NewMariaDBReader creates the MariaDB reader
func NewMariaDBReader(rc stage.RunContext, args map[string]interface{}, bus *stage.Bus) stage.Stage {
	return &MariaDBReader{Base: stage.NewBase(rc, args, bus)}
}

func (r *MariaDBReader) ModuleName() string { return MariaDBModule }
func (r *MariaDBReader) Kind() stage.Kind   { return stage.KindReader }

// ValidateParameters checks the reader arguments, including the DSN syntax
func (r *MariaDBReader) ValidateParameters() error {
	params, err := mariaDBSchema.Validate(r.Args)
	if err != nil {
		return err
	}
	if params.Has("check-dsn") {
		if _, err := mysql.ParseDSN(params.String("check-dsn")); err != nil {
			return apperrors.NewParameterError("check-dsn", fmt.Sprintf("invalid DSN: %v", err), mariaDBSchema[1].Hint)
		}
	}
	r.params = params
	return nil
}

// PreRunSetup confirms the database exists before it is dumped.
// The check is read-only and also runs in dry-run mode.
func (r *MariaDBReader) PreRunSetup() error {
	if !r.params.Has("check-dsn") || !r.Context.IsBackup() {
		return nil
	}

	name := r.params.String("database-name")
	db, err := openDB(r.params.String("check-dsn"))
	if err != nil {
		return apperrors.NewRunningError("failed to open database connection", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), databaseCheckTimeout)
	defer cancel()

	var found string
	err = db.QueryRowContext(ctx,
		"SELECT SCHEMA_NAME FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewParameterError("database-name", fmt.Sprintf("database [%s] does not exist", name),
			mariaDBSchema[0].Hint)
	}
	if err != nil {
		return apperrors.NewRunningError(fmt.Sprintf("Unable to check database [%s]", name), err)
	}

	r.Context.Log().Debugf("Database [%s] found", name)
	return nil
}

// PublishMetadata publishes an empty preservation window, dumps are always full
func (r *MariaDBReader) PublishMetadata() (stage.Metadata, error) {
	return stage.Metadata{FilePreservationWindow: stage.Int(0)}, nil
}

// Command returns the mysqldump or mysql invocation
func (r *MariaDBReader) Command(dir stage.Direction) ([]string, error) {
	argv := []string{"mysqldump"}
	if dir == stage.DirectionRestore {
		argv = []string{"mysql"}
	}
	if r.Context.Verbose {
		argv = append(argv, "--verbose")
	}
	return append(argv, r.params.String("database-name")), nil
}
