package errors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeUser represents configuration mistakes: bad document, unknown module, duplicate id
	ErrorTypeUser ErrorType = "user"
	// ErrorTypeParameter represents a stage argument that failed validation
	ErrorTypeParameter ErrorType = "parameter"
	// ErrorTypeRunning represents failures while running external processes or filesystem actions
	ErrorTypeRunning ErrorType = "running"
	// ErrorTypeInvariant represents a broken metadata contract between stages
	ErrorTypeInvariant ErrorType = "invariant"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// ErrForbiddenCall is returned when a process is spawned while the plan runs in dry-run mode
var ErrForbiddenCall = errors.New("forbidden call: processes cannot be spawned in dry-run mode")

// AppError represents an application-specific error with the plan/module/parameter it belongs to
type AppError struct {
	Type      ErrorType
	Message   string
	Cause     error
	BackupID  string
	Module    string
	Parameter string
	Hint      string
	Command   []string
	ExitCode  int
	Output    string
	Context   map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	if e.BackupID != "" {
		fmt.Fprintf(&b, "[%s] ", e.BackupID)
	}
	if e.Module != "" {
		fmt.Fprintf(&b, "[%s] ", e.Module)
	}
	if e.Parameter != "" {
		fmt.Fprintf(&b, "parameter %s: ", e.Parameter)
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports whether the orchestrator may continue with the next plan
func (e *AppError) IsRecoverable() bool {
	return e.Type != ErrorTypeUnknown
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ForPlan binds the error to a backup plan id
func (e *AppError) ForPlan(backupID string) *AppError {
	e.BackupID = backupID
	return e
}

// ForModule binds the error to a stage module
func (e *AppError) ForModule(module string) *AppError {
	e.Module = module
	return e
}

// WithCommand records the external invocation that failed
func (e *AppError) WithCommand(argv []string, exitCode int, output string) *AppError {
	e.Command = append([]string(nil), argv...)
	e.ExitCode = exitCode
	e.Output = output
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewUserError creates a configuration error
func NewUserError(message string) *AppError {
	return NewAppError(ErrorTypeUser, message, nil)
}

// NewParameterError creates a stage argument validation error
func NewParameterError(parameter, message, hint string) *AppError {
	err := NewAppError(ErrorTypeParameter, message, nil)
	err.Parameter = parameter
	err.Hint = hint
	return err
}

// NewRunningError creates an execution error
func NewRunningError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeRunning, message, cause)
}

// NewInvariantError creates a metadata contract violation
func NewInvariantError(message string) *AppError {
	return NewAppError(ErrorTypeInvariant, message, nil)
}

// ErrorClassifier maps arbitrary errors onto the application taxonomy
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if procErr := ec.classifyProcessError(err); procErr != nil {
		return procErr
	}
	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewRunningError("Operation was interrupted", err)
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyProcessError classifies failures of spawned external programs
func (ec *ErrorClassifier) classifyProcessError(err error) *AppError {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return NewRunningError("External command failed", err).
			WithCommand(nil, exitErr.ExitCode(), string(exitErr.Stderr))
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return NewRunningError(fmt.Sprintf("Cannot run %s", execErr.Name), err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewRunningError(fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES, syscall.EPERM:
			return NewRunningError(fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewRunningError("No space left on device", err)
		default:
			return NewRunningError(fmt.Sprintf("Filesystem operation failed on %s", pathErr.Path), err)
		}
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return NewRunningError(fmt.Sprintf("Cannot rename %s to %s", linkErr.Old, linkErr.New), err)
	}
	return nil
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// AsAppError returns the AppError carried by err, if any
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
