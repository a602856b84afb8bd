// Package gitcmd invokes the system git client. Repository state is owned by
// git itself; this package only provides the capability to run it, so that
// everything above it can be tested against a scripted runner instead of real
// repositories.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner runs a git invocation and returns its standard output. dir is the
// working directory for the invocation; an empty dir runs in the process
// working directory. A failed invocation returns a *Error.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// Error describes a failed git invocation, including the trimmed diagnostic
// output git produced.
type Error struct {
	Args   []string
	Dir    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("git %s", strings.Join(e.Args, " "))
	if e.Output != "" {
		return fmt.Sprintf("%s: %s", msg, e.Output)
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Exec runs the git binary found on PATH. The zero value is usable.
type Exec struct {
	// Git overrides the binary name or path. Empty means "git".
	Git string
}

func (e *Exec) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	binary := e.Git
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	// Never let git block the process on an interactive credential prompt, and
	// keep diagnostics parseable regardless of the host locale.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	out, err := cmd.Output()
	if err != nil {
		gitErr := &Error{Args: args, Dir: dir, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			gitErr.Output = strings.TrimSpace(string(exitErr.Stderr))
		}
		return nil, gitErr
	}
	return bytes.TrimSpace(out), nil
}
