package modules

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	apperrors "backup-orchestrator/internal/errors"
)

const secretHint = "Path to the file that contains the secret, readable by its owner only"

// checkSecretFile rejects credential files that other users could read.
// It runs during validation, so a misconfigured file fails the plan in dry-run mode too.
func checkSecretFile(param, path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return apperrors.NewParameterError(param, fmt.Sprintf("File [%s] doesn't exist", path), secretHint)
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok && int(stat.Uid) != os.Getuid() {
		return apperrors.NewParameterError(param, fmt.Sprintf("File [%s] must be owned by the current user", path), secretHint)
	}

	f, err := os.Open(path)
	if err != nil {
		return apperrors.NewParameterError(param, fmt.Sprintf("File [%s] is not readable", path), secretHint)
	}
	f.Close()

	if info.Mode().Perm()&0o077 != 0 {
		return apperrors.NewParameterError(param,
			fmt.Sprintf("File [%s] must not be readable from group and from others", path), secretHint)
	}
	return nil
}

// readSecretFile checks a secret file and returns its non-empty lines
func readSecretFile(param, path string) ([]string, error) {
	if err := checkSecretFile(param, path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.NewParameterError(param, fmt.Sprintf("File [%s] is not readable", path), secretHint)
	}

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
