package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses everything except warnings and errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows standard operational messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows detailed operational information
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows all debug information
	LogLevelDebug LogLevel = "debug"
)

// Logger provides structured logging capabilities
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Output     io.Writer
	Format     string // "text" or "json"
	ShowCaller bool
	LogFile    string
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	logger.SetOutput(output)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "", "text":
		logger.SetFormatter(textFormatter(output, config.ShowCaller))
	default:
		return nil, fmt.Errorf("unknown log format %q, must be one of: text, json", config.Format)
	}

	if config.ShowCaller {
		logger.SetReportCaller(true)
	}

	logger.SetLevel(logrusLevel(config.Level))

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		logger.SetOutput(io.MultiWriter(output, file))
	}

	return &Logger{
		logger: logger,
		level:  config.Level,
	}, nil
}

// NewDiscardLogger returns a logger that drops everything
func NewDiscardLogger() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelDebug, Output: io.Discard, Format: "text"})
	return logger
}

func textFormatter(output io.Writer, showCaller bool) *logrus.TextFormatter {
	formatter := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   !isTerminal(output),
	}
	if showCaller {
		formatter.CallerPrettyfier = func(f *runtime.Frame) (string, string) {
			filename := filepath.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
		}
	}
	return formatter
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func logrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LogLevelQuiet:
		return logrus.WarnLevel
	case LogLevelVerbose:
		return logrus.DebugLevel
	case LogLevelDebug:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns a logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// Plan and stage logging

// LogPlanStart logs the beginning of a backup plan
func (l *Logger) LogPlanStart(runID, backupID string, backup bool) {
	direction, title := "backup", "Backup"
	if !backup {
		direction, title = "restore", "Restore"
	}
	l.logger.WithFields(logrus.Fields{
		"run_id":    runID,
		"backup_id": backupID,
		"direction": direction,
	}).Infof("=== %s %s ===", title, backupID)
}

// LogStageStart logs a stage about to run
func (l *Logger) LogStageStart(kind, module string) {
	l.logger.WithFields(logrus.Fields{
		"stage":  kind,
		"module": module,
	}).Infof("= Run %s %s =", kind, module)
}

// LogCommand logs the argument vector of a spawned process
func (l *Logger) LogCommand(module string, argv []string) {
	l.logger.WithFields(logrus.Fields{
		"module":  module,
		"command": strings.Join(argv, " "),
	}).Debug("Process started")
}

// LogProcessOutput logs diagnostic output of a process that exited cleanly
func (l *Logger) LogProcessOutput(module string, stderr string) {
	if strings.TrimSpace(stderr) == "" {
		return
	}
	l.logger.WithField("module", module).Debug(strings.TrimRight(stderr, "\n"))
}

// Standard logging methods

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Debug("Operation failed")
		} else {
			logFields["success"] = true
			l.logger.WithFields(logFields).Debug("Operation completed")
		}
	}
}
