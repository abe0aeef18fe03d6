package errors

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

var reportColor = color.New(color.FgHiRed)

// ColorSupported checks whether stderr can display ANSI colors
func ColorSupported() bool {
	fd := os.Stderr.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return false
	}
	if termenv.EnvNoColor() {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

// Report renders err as the multi-line message shown to users.
// The layout depends on how much context the error carries.
func Report(err error, colored bool) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	appErr, ok := AsAppError(err)
	if !ok {
		b.WriteString("ERROR:\n")
		fmt.Fprintf(&b, "Reason: %v", err)
		return paint(b.String(), colored)
	}

	switch {
	case appErr.Type == ErrorTypeParameter:
		fmt.Fprintf(&b, "ERROR: On the [%s] module\n", appErr.Module)
		if appErr.BackupID != "" {
			fmt.Fprintf(&b, "On the [%s] backup\n", appErr.BackupID)
		}
		fmt.Fprintf(&b, "Validation error on parameter: %s\n", appErr.Parameter)
	case appErr.BackupID != "":
		fmt.Fprintf(&b, "ERROR: On the [%s] backup\n", appErr.BackupID)
		if appErr.Module != "" {
			fmt.Fprintf(&b, "On the [%s] module\n", appErr.Module)
		}
	default:
		b.WriteString("ERROR:\n")
	}

	fmt.Fprintf(&b, "Reason: %s", appErr.Message)
	if appErr.Cause != nil {
		fmt.Fprintf(&b, "\nCause: %v", appErr.Cause)
	}
	if appErr.Hint != "" {
		fmt.Fprintf(&b, "\nHelper: %s", appErr.Hint)
	}
	if len(appErr.Command) > 0 {
		fmt.Fprintf(&b, "\nCommand executed: %s", strings.Join(appErr.Command, " "))
		fmt.Fprintf(&b, "\nError code: %d", appErr.ExitCode)
	}
	if out := strings.TrimSpace(appErr.Output); out != "" {
		fmt.Fprintf(&b, "\nCommand output: %s", out)
	}

	return paint(b.String(), colored)
}

func paint(text string, colored bool) string {
	if !colored {
		return text
	}
	return reportColor.Sprint(text)
}
