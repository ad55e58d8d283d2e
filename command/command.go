// Package command runs external helper processes and captures their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result captures one process execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Exec runs commands via os/exec. Env entries are appended to the parent
// environment.
type Exec struct {
	Env []string
}

var _ Runner = (*Exec)(nil)

// Run executes one command and captures stdout, stderr and exit code.
func (r *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, fmt.Errorf("%s exited with %d: %w: %s", name, res.ExitCode, err, lastLine(res.Stderr))
	}

	return res, nil
}

// lastLine keeps error messages short; helpers print tracebacks to stderr.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// WriteScript writes an embedded helper script to a new temp file matching
// pattern and returns its path. The caller removes it when done.
func WriteScript(pattern string, body []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("write helper script: %w", err)
	}
	path := f.Name()

	if _, err = f.Write(body); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write helper script: %w", err)
	}
	if err = f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write helper script: %w", err)
	}
	if err = os.Chmod(path, 0o755); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write helper script: %w", err)
	}
	return path, nil
}
