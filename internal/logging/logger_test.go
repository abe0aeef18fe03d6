package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   LogLevel
	}{
		{
			name:   "default config",
			config: Config{Level: LogLevelNormal, Format: "text"},
			want:   LogLevelNormal,
		},
		{
			name:   "verbose config",
			config: Config{Level: LogLevelVerbose, Format: "json"},
			want:   LogLevelVerbose,
		},
		{
			name:   "quiet config",
			config: Config{Level: LogLevelQuiet, Format: "text"},
			want:   LogLevelQuiet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.config.Output = &buf

			logger, err := NewLogger(tt.config)
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if logger.GetLevel() != tt.want {
				t.Errorf("NewLogger() level = %v, want %v", logger.GetLevel(), tt.want)
			}
		})
	}
}

func TestNewLogger_UnknownFormat(t *testing.T) {
	_, err := NewLogger(Config{Level: LogLevelNormal, Format: "xml", Output: &bytes.Buffer{}})
	if err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestNewLogger_LogFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "run.log")
	var buf bytes.Buffer

	logger, err := NewLogger(Config{Level: LogLevelNormal, Output: &buf, LogFile: logFile})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Info("written twice")

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), "written twice") {
		t.Errorf("log file does not contain message: %q", content)
	}
	if !strings.Contains(buf.String(), "written twice") {
		t.Errorf("output does not contain message: %q", buf.String())
	}
}

func TestQuietLevelKeepsWarnings(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: &buf})

	logger.Info("info message")
	logger.Warn("warn message")

	output := buf.String()
	if strings.Contains(output, "info message") {
		t.Error("quiet logger should not print info messages")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("quiet logger should print warnings")
	}
}

func TestLogPlanStart(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelNormal, Output: &buf})

	logger.LogPlanStart("run-1", "db", false)

	output := buf.String()
	for _, want := range []string{"=== Restore db ===", "run_id=run-1", "backup_id=db", "direction=restore"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output %q", want, output)
		}
	}
}

func TestLogProcessOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf})

	logger.LogProcessOutput("gzip", "   \n")
	if buf.Len() != 0 {
		t.Errorf("blank stderr should not be logged, got %q", buf.String())
	}

	logger.LogProcessOutput("gzip", "tar: Removing leading '/'\n")
	if !strings.Contains(buf.String(), "Removing leading") {
		t.Errorf("expected stderr to be logged, got %q", buf.String())
	}
}

func TestLogOperationStart(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewLogger(Config{Level: LogLevelVerbose, Output: &buf})

	done := logger.LogOperationStart("post_backup", map[string]interface{}{"module": "rsync"})
	done(errors.New("exit status 12"))

	output := buf.String()
	if !strings.Contains(output, "Operation failed") || !strings.Contains(output, "module=rsync") {
		t.Errorf("unexpected output %q", output)
	}
}
