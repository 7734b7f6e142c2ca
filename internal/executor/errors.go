package executor

import "fmt"

// DirectoryCreationError aborts a single job: its destination could not be created.
type DirectoryCreationError struct {
	Destination string
	ExitCode    int
	Err         error
}

func (e *DirectoryCreationError) Error() string {
	return fmt.Sprintf("creating %s failed (exit code %d): %v", e.Destination, e.ExitCode, e.Err)
}

func (e *DirectoryCreationError) Unwrap() error {
	return e.Err
}

// SyncToolError is a non-zero exit of rsync.
type SyncToolError struct {
	Source      string
	Destination string
	ExitCode    int
	Err         error
}

func (e *SyncToolError) Error() string {
	return fmt.Sprintf("syncing %s to %s failed (exit code %d): %v", e.Source, e.Destination, e.ExitCode, e.Err)
}

func (e *SyncToolError) Unwrap() error {
	return e.Err
}

// HostUnreachableError marks the jobs of a host that failed its ssh probe.
type HostUnreachableError struct {
	Host string
	Err  error
}

func (e *HostUnreachableError) Error() string {
	return fmt.Sprintf("host %s failed the ssh check: %v", e.Host, e.Err)
}

func (e *HostUnreachableError) Unwrap() error {
	return e.Err
}
