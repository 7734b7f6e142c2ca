// Package commandtest provides a recording command.Runner for tests.
package commandtest

import (
	"fmt"
	"io"
	"sync"

	"github.com/swat-engineering/rsync-backup/internal/command"
)

// Runner records every invocation instead of starting a process.
type Runner struct {
	mu    sync.Mutex
	calls []command.Invocation

	// Handle decides the outcome of each call; n counts from zero. nil means success.
	Handle func(n int, inv command.Invocation, stdout, stderr io.Writer) error
}

func (r *Runner) Run(inv command.Invocation, stdout, stderr io.Writer) error {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, inv)
	handle := r.Handle
	r.mu.Unlock()

	if handle == nil {
		return nil
	}
	return handle(n, inv, stdout, stderr)
}

func (r *Runner) Calls() []command.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Invocation(nil), r.calls...)
}

// Names returns the program name of every recorded call.
func (r *Runner) Names() []string {
	var names []string
	for _, c := range r.Calls() {
		names = append(names, c.Name)
	}
	return names
}

// ExitError mimics a child that exited with a non-zero status.
type ExitError int

func (e ExitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func (e ExitError) ExitCode() int {
	return int(e)
}
