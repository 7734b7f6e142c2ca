// Package rsync builds the directory-creation and synchronization invocations of a job.
package rsync

import (
	"github.com/swat-engineering/rsync-backup/internal/command"
	"github.com/swat-engineering/rsync-backup/internal/job"
)

const (
	DefaultBinary = "rsync"
	MkdirBinary   = "mkdir"

	// FastTransport trades cipher strength and compression for throughput.
	FastTransport = "ssh -T -c aes128-gcm@openssh.com -o Compression=no -x"
)

var baseArgs = []string{
	"--archive", // recursive, keeps permissions, times, links, owner and group
	"--delete",  // remove files that vanished from the source
}

// Options are the toggles of a run.
type Options struct {
	Debug      bool
	Fast       bool
	NumericIDs bool
	// Binary overrides the rsync executable.
	Binary string
}

func DefaultOptions() Options {
	return Options{NumericIDs: true}
}

type Builder struct {
	opts Options
}

func NewBuilder(opts Options) Builder {
	if opts.Binary == "" {
		opts.Binary = DefaultBinary
	}
	return Builder{opts: opts}
}

// Mkdir creates the job destination. It is idempotent.
func (b Builder) Mkdir(j job.Job) command.Invocation {
	return command.Invocation{
		Name: MkdirBinary,
		Args: []string{"-p", j.Destination},
	}
}

// Sync mirrors the job source into its destination.
func (b Builder) Sync(j job.Job) command.Invocation {
	args := append([]string(nil), baseArgs...)
	if b.opts.NumericIDs {
		args = append(args, "--numeric-ids")
	}
	if b.opts.Debug {
		args = append(args, "--verbose")
	}
	if b.opts.Fast && j.IsRemote() {
		args = append(args, "-e", FastTransport)
	}
	for _, e := range j.Exclude {
		args = append(args, "--exclude="+e)
	}
	for _, f := range j.ExcludeFrom {
		args = append(args, "--exclude-from="+f)
	}
	// the run log records start, finish and errors; rsync's log stays a raw transcript
	args = append(args,
		"--log-file="+j.SyncLogPath,
		"--log-file-format=",
		j.Source,
		j.Destination,
	)
	return command.Invocation{Name: b.opts.Binary, Args: args}
}
