// Package execx is the thin process-execution primitive used by the tool
// invokers: run a command locally (or on a remote host over ssh), wait for it
// to exit, and report exit status, captured output and wall-clock runtime.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// stderrTail bounds how much stderr an ExitError keeps.
const stderrTail = 2048

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	Env  []string // appended to the current environment
	Dir  string

	// OutputFile, when set, receives both stdout and stderr instead of the
	// in-memory buffers. Used for progress files.
	OutputFile string

	// RemoteHost runs the command through ssh on that host.
	RemoteHost string
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	line := strings.Join(quoteAll(parts), " ")
	if c.OutputFile != "" {
		line += " > " + Quote(c.OutputFile) + " 2>&1"
	}
	return line
}

// Result is what a finished command reports.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Runtime  time.Duration
}

// ExitError is returned when the command ran but exited non-zero.
type ExitError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Cmd, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Executor runs commands to completion.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Local executes commands with os/exec on this host (ssh for RemoteHost).
type Local struct{}

// NewLocal returns the default executor.
func NewLocal() *Local {
	return &Local{}
}

// Run starts the command and blocks until it exits or ctx is done.
func (l *Local) Run(ctx context.Context, cmd Command) (Result, error) {
	name, args := cmd.Name, cmd.Args
	if cmd.RemoteHost != "" {
		name, args = sshWrap(cmd)
	}

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	if cmd.OutputFile != "" {
		f, err := os.OpenFile(cmd.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return Result{}, fmt.Errorf("open output file %s: %w", cmd.OutputFile, err)
		}
		defer f.Close()
		c.Stdout = f
		c.Stderr = f
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Runtime: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Cmd: cmd.String(), ExitCode: res.ExitCode, Stderr: tail(res.Stderr)}
		}
		return res, fmt.Errorf("run %q: %w", cmd.String(), err)
	}
	return res, nil
}

func sshWrap(cmd Command) (string, []string) {
	remote := strings.Join(quoteAll(append([]string{cmd.Name}, cmd.Args...)), " ")
	if cmd.Dir != "" {
		remote = "cd " + Quote(cmd.Dir) + " && " + remote
	}
	if cmd.OutputFile != "" {
		remote += " > " + Quote(cmd.OutputFile) + " 2>&1"
	}
	return "ssh", []string{"-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=no", cmd.RemoteHost, remote}
}

// Quote single-quotes s for a POSIX shell when it contains anything but
// plain word characters.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./=:,@+%", r):
		return false
	}
	return true
}

func quoteAll(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = Quote(p)
	}
	return out
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		return "..." + s[len(s)-stderrTail:]
	}
	return s
}
