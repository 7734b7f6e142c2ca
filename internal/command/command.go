// Package command describes external invocations as argument vectors and runs them
// as child processes, never through a shell.
package command

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
)

type Invocation struct {
	Name string
	Args []string
	// Env entries (KEY=value) are added to the environment of the current process.
	Env []string
	// Secrets are masked when the invocation is rendered.
	Secrets []string
}

// Argv returns the full argument vector, program name first.
func (i Invocation) Argv() []string {
	return append([]string{i.Name}, i.Args...)
}

// String renders the invocation as a line that can be pasted into a POSIX shell.
// Secret values are replaced by ***.
func (i Invocation) String() string {
	parts := make([]string, 0, len(i.Env)+len(i.Args)+1)
	for _, e := range i.Env {
		parts = append(parts, i.mask(e))
	}
	for _, a := range i.Argv() {
		parts = append(parts, i.mask(a))
	}
	return shellquote.Join(parts...)
}

func (i Invocation) mask(s string) string {
	for _, secret := range i.Secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "***")
		}
	}
	return s
}

// Quote escapes s as a single shell word.
func Quote(s string) string {
	return shellquote.Join(s)
}

type Runner interface {
	// Run blocks until the child exits. A non-zero exit is reported as an error
	// from which ExitCode recovers the status.
	Run(inv Invocation, stdout, stderr io.Writer) error
}

// ExecRunner runs invocations with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(inv Invocation, stdout, stderr io.Writer) error {
	cmd := exec.Command(inv.Name, inv.Args...) // #nosec G204
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return cmd.Run()
}

// ExitCode returns the exit status carried by err: 0 for nil, -1 when the
// child never ran or was killed by a signal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
