// Package executor runs the jobs of a backup run one after the other and keeps
// their audit trail. A failing job never stops the run.
package executor

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/rsync-backup/internal/audit"
	"github.com/swat-engineering/rsync-backup/internal/command"
	"github.com/swat-engineering/rsync-backup/internal/config"
	"github.com/swat-engineering/rsync-backup/internal/job"
	"github.com/swat-engineering/rsync-backup/internal/rsync"
	"github.com/swat-engineering/rsync-backup/internal/streams"
)

type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	// Printed is the terminal state of every job of a dry run.
	Printed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Printed:
		return "printed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Result struct {
	Job      job.Job
	State    State
	ExitCode int
	Err      error
	Duration time.Duration
}

type Report struct {
	Results []Result
}

// Failed counts the jobs that ended in the Failed state.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.State == Failed {
			n++
		}
	}
	return n
}

func (r Report) OK() bool {
	return r.Failed() == 0
}

// Prober checks a remote host before its first job.
type Prober interface {
	Probe(user, host string, check *config.SSHCheck, output io.Writer) error
}

// AuditOpener opens the audit trail written to path.
type AuditOpener func(path string, fields log.Fields) (*audit.Log, error)

type Options struct {
	Dry bool
	// Debug echoes the commands like Dry does. Neither runs anything.
	Debug bool
	// Out receives the commands of a dry or debug run.
	Out    io.Writer
	RunID  string
	Prober Prober
	Open   AuditOpener
}

type trailKey struct {
	group   int
	logPath string
}

type openedTrail struct {
	log *audit.Log
	err error
}

// Executor runs jobs sequentially. It is not safe for concurrent use.
type Executor struct {
	runner  command.Runner
	builder rsync.Builder
	opts    Options

	trails map[trailKey]openedTrail
	probes map[string]error
}

func New(runner command.Runner, builder rsync.Builder, opts Options) *Executor {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Open == nil {
		opts.Open = audit.Open
	}
	return &Executor{
		runner:  runner,
		builder: builder,
		opts:    opts,
		trails:  make(map[trailKey]openedTrail),
		probes:  make(map[string]error),
	}
}

// Run executes jobs in order and returns the outcome of every one of them.
func (e *Executor) Run(jobs []job.Job) Report {
	report := Report{Results: make([]Result, 0, len(jobs))}
	for _, j := range jobs {
		report.Results = append(report.Results, e.RunJob(j))
	}
	return report
}

// RunJob takes a single job from Pending to its terminal state. A job whose
// audit log cannot be opened fails without any audit record.
func (e *Executor) RunJob(j job.Job) Result {
	res := Result{Job: j, State: Pending}
	mkdir := e.builder.Mkdir(j)
	sync := e.builder.Sync(j)

	if e.opts.Dry || e.opts.Debug {
		log.WithField("source", j.Source).Debug("Echoing job commands")
		fmt.Fprintln(e.opts.Out, mkdir.String())
		fmt.Fprintln(e.opts.Out, sync.String())
		res.State = Printed
		return res
	}

	myLog := log.WithFields(log.Fields{"group": j.Group, "host": j.HostName(), "directory": j.Directory})
	trail, err := e.Trail(j.GroupIndex, j.Group, j.LogPath)
	if err != nil {
		myLog.WithError(err).Error("Could not open audit log, skipping job")
		res.State = Failed
		res.ExitCode = -1
		res.Err = err
		return res
	}

	res.State = Running
	start := time.Now()
	trail.Record(audit.EventStarted, jobFields(j))
	myLog.Info("Backing up " + j.Source)

	res.Err = e.execute(j, mkdir, sync, myLog)
	res.Duration = time.Since(start)

	fields := jobFields(j)
	fields["duration"] = res.Duration.String()
	if res.Err != nil {
		res.State = Failed
		res.ExitCode = command.ExitCode(res.Err)
		fields["exit_code"] = res.ExitCode
		fields["error"] = res.Err.Error()
		trail.Record(audit.EventError, fields)
		myLog.WithError(res.Err).Error("Backup failed")
		return res
	}
	res.State = Succeeded
	fields["exit_code"] = 0
	trail.Record(audit.EventFinished, fields)
	myLog.WithField("duration", res.Duration.Round(time.Millisecond)).Info("Backup finished")
	return res
}

func (e *Executor) execute(j job.Job, mkdir, sync command.Invocation, myLog *log.Entry) error {
	if j.IsRemote() && j.SSHCheck != nil {
		if err := e.probe(j, myLog); err != nil {
			return err
		}
	}

	if err := e.run(mkdir, myLog); err != nil {
		return &DirectoryCreationError{Destination: j.Destination, ExitCode: command.ExitCode(err), Err: err}
	}
	if err := e.run(sync, myLog); err != nil {
		return &SyncToolError{Source: j.Source, Destination: j.Destination, ExitCode: command.ExitCode(err), Err: err}
	}
	return nil
}

// probe checks each (user, host) pair once per run.
func (e *Executor) probe(j job.Job, myLog *log.Entry) error {
	key := j.User + "@" + j.Host
	err, seen := e.probes[key]
	if !seen {
		if e.opts.Prober == nil {
			return nil
		}
		myLog.Debug("Checking ssh access")
		out := streams.NewLineLogger(myLog, log.DebugLevel)
		err = e.opts.Prober.Probe(j.User, j.Host, j.SSHCheck, out)
		out.Close()
		e.probes[key] = err
	}
	if err != nil {
		return &HostUnreachableError{Host: j.Host, Err: err}
	}
	return nil
}

func (e *Executor) run(inv command.Invocation, myLog *log.Entry) error {
	myLog.WithField("command", inv.String()).Debug("Running")
	stdout := streams.NewLineLogger(myLog, log.DebugLevel)
	stderr := streams.NewLineLogger(myLog, log.WarnLevel)
	err := e.runner.Run(inv, stdout, stderr)
	stdout.Close()
	stderr.Close()
	if err != nil {
		if last := stderr.Last(); last != "" {
			return fmt.Errorf("%w: %s", err, last)
		}
		return err
	}
	return nil
}

// Trail returns the audit log of a group at logPath, opening it on first use.
// A failed open is remembered so every job of the group reports it.
func (e *Executor) Trail(groupIndex int, group, logPath string) (*audit.Log, error) {
	key := trailKey{group: groupIndex, logPath: logPath}
	if t, ok := e.trails[key]; ok {
		return t.log, t.err
	}
	l, err := e.opts.Open(logPath, log.Fields{"run_id": e.opts.RunID, "group": group})
	if err != nil {
		err = fmt.Errorf("opening audit log of %s: %w", group, err)
	}
	e.trails[key] = openedTrail{log: l, err: err}
	return l, err
}

// Close closes every audit log opened by the executor.
func (e *Executor) Close() error {
	var firstErr error
	for key, t := range e.trails {
		if t.log != nil {
			if err := t.log.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(e.trails, key)
	}
	return firstErr
}

func jobFields(j job.Job) log.Fields {
	return log.Fields{
		"host":        j.HostName(),
		"directory":   j.Directory,
		"source":      j.Source,
		"destination": j.Destination,
	}
}
