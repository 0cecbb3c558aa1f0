// Package system wraps the external programs partmount shells out to
// (losetup, mkfs.*, mount) behind a small capability interface so callers
// can be exercised against a fake in tests.
package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/containerd/log"
)

// Result is the outcome of a program that was started successfully.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the program exited with status 0.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Diagnostic returns the program's stderr, falling back to stdout when
// stderr is empty. Whitespace at either end is trimmed.
func (r Result) Diagnostic() string {
	if s := strings.TrimSpace(string(r.Stderr)); s != "" {
		return s
	}
	return strings.TrimSpace(string(r.Stdout))
}

// Runner starts an external program and waits for it.
//
// Run returns an error only when the program could not be started (not found,
// permission denied, context cancelled before start). A program that ran and
// exited non-zero is reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes name with args and captures stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.G(ctx).Debugf("exec: %s %s", name, strings.Join(args, " "))

	err := cmd.Run()
	res := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("failed to execute %s: %w", name, err)
	}

	return res, nil
}

// CommandError describes a program that ran but exited non-zero.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with status %d", e.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.ExitCode, e.Output)
}

// Check runs name through r and converts a non-zero exit into a
// *CommandError carrying the program's diagnostic output.
func Check(ctx context.Context, r Runner, name string, args ...string) (Result, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return res, err
	}
	if !res.Success() {
		return res, &CommandError{
			Name:     name,
			Args:     args,
			ExitCode: res.ExitCode,
			Output:   res.Diagnostic(),
		}
	}
	return res, nil
}
