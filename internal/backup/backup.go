// Package backup drives a whole run: database dumps, job resolution and
// execution, group after group.
package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/rsync-backup/internal/audit"
	"github.com/swat-engineering/rsync-backup/internal/command"
	"github.com/swat-engineering/rsync-backup/internal/config"
	"github.com/swat-engineering/rsync-backup/internal/dump"
	"github.com/swat-engineering/rsync-backup/internal/executor"
	"github.com/swat-engineering/rsync-backup/internal/job"
	"github.com/swat-engineering/rsync-backup/internal/metrics"
	"github.com/swat-engineering/rsync-backup/internal/rsync"
)

// LogsDirectory names the directory entry through which a local group backs
// up the standard log directory.
const LogsDirectory = "logs"

type Options struct {
	// Limit selects the group with this name.
	Limit string
	// Hosts restricts remote groups to these hosts.
	Hosts  []string
	LogDir string

	// Dry and Debug both print the commands instead of running them.
	Dry   bool
	Debug bool
	Fast  bool

	// MetricsFile receives a Prometheus textfile after a real run.
	MetricsFile string

	Out        io.Writer
	Runner     command.Runner
	Prober     executor.Prober
	Discoverer dump.Discoverer
	OpenAudit  executor.AuditOpener
	RunID      string
	Now        func() time.Time
}

type Summary struct {
	RunID string
	Jobs  executor.Report
	Dumps []dump.Result
}

func (s Summary) FailedDumps() int {
	n := 0
	for _, d := range s.Dumps {
		if d.Err != nil {
			n++
		}
	}
	return n
}

// OK reports whether every job and every dump succeeded.
func (s Summary) OK() bool {
	return s.Jobs.OK() && s.FailedDumps() == 0
}

type selectedGroup struct {
	index int
	group config.BackupGroup
}

// Run backs up cfg. It only returns an error for configuration problems found
// before anything was executed; failures of jobs and dumps end up in the Summary.
func Run(ctx context.Context, cfg *config.Config, opts Options) (Summary, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Runner == nil {
		opts.Runner = command.ExecRunner{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	summary := Summary{RunID: opts.RunID}
	echo := opts.Dry || opts.Debug

	groups, err := selectGroups(cfg, opts.Limit)
	if err != nil {
		return summary, err
	}
	jobOpts := job.Options{Hosts: opts.Hosts, LogDir: opts.LogDir}

	// every selected group must resolve before the first command runs
	for _, g := range groups {
		if _, err := job.ResolveGroup(cfg, g.index, g.group, jobOpts); err != nil {
			return summary, err
		}
		if g.group.Databases != nil {
			if _, err := workDirectory(cfg, g.group); err != nil {
				return summary, err
			}
		}
	}

	builderOpts := rsync.DefaultOptions()
	builderOpts.Debug = opts.Debug
	builderOpts.Fast = opts.Fast
	ex := executor.New(opts.Runner, rsync.NewBuilder(builderOpts), executor.Options{
		Dry:    opts.Dry,
		Debug:  opts.Debug,
		Out:    opts.Out,
		RunID:  opts.RunID,
		Prober: opts.Prober,
		Open:   opts.OpenAudit,
	})
	defer func() {
		if err := ex.Close(); err != nil {
			log.WithError(err).Error("Could not close audit log")
		}
	}()
	stage := dump.NewStage(opts.Runner, dump.Options{
		Dry:        echo,
		Out:        opts.Out,
		Discoverer: opts.Discoverer,
		Now:        opts.Now,
	})

	log.WithFields(log.Fields{"run_id": opts.RunID, "groups": len(groups)}).Info("Starting backup run")
	for _, g := range groups {
		name := g.group.DisplayName(g.index)
		myLog := log.WithField("group", name)
		group := g.group

		if group.Databases != nil {
			workDir, err := workDirectory(cfg, group)
			if err != nil {
				return summary, err
			}
			myLog.Info("Dumping databases")
			var dumps []dump.Result
			group, dumps = stage.Run(ctx, group, workDir, dumpTrail(ex, cfg, g, jobOpts, echo))
			summary.Dumps = append(summary.Dumps, dumps...)
		}
		if group.IsLocal() {
			group = withLogDirectory(group, job.LogDirectory(cfg, jobOpts), echo)
		}

		jobs, err := job.ResolveGroup(cfg, g.index, group, jobOpts)
		if err != nil {
			return summary, err
		}
		if len(jobs) == 0 {
			myLog.Info("No hosts left after filtering, skipping group")
			continue
		}
		myLog.WithField("jobs", len(jobs)).Info("Running backup jobs")
		report := ex.Run(jobs)
		summary.Jobs.Results = append(summary.Jobs.Results, report.Results...)
	}

	if !echo {
		writeMetrics(opts, summary)
	}
	return summary, nil
}

func selectGroups(cfg *config.Config, limit string) ([]selectedGroup, error) {
	var groups []selectedGroup
	for i, g := range cfg.Backups {
		if limit == "" || g.Name == limit {
			groups = append(groups, selectedGroup{index: i, group: g})
		}
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("%w: no backup group named %q", config.ErrInvalidConfig, limit)
	}
	return groups, nil
}

// workDirectory is the parent of the dump staging directories. config.Load
// defaults the global one to the directory of the configuration file.
func workDirectory(cfg *config.Config, group config.BackupGroup) (string, error) {
	if group.WorkDir != "" {
		return group.WorkDir, nil
	}
	if cfg.WorkDir != "" {
		return cfg.WorkDir, nil
	}
	return "", fmt.Errorf("%w: work_dir is not set for group %q", config.ErrInvalidConfig, group.Name)
}

// withLogDirectory appends logDir to the directories of a local group unless
// it is relative or already listed.
func withLogDirectory(group config.BackupGroup, logDir string, echo bool) config.BackupGroup {
	if !filepath.IsAbs(logDir) {
		return group
	}
	for _, dir := range group.Directories {
		if filepath.Clean(dir.Path) == filepath.Clean(logDir) {
			return group
		}
	}
	if !echo {
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			log.WithError(err).WithField("path", logDir).Error("Could not create log directory")
		}
	}
	return group.WithDirectories(config.DirectorySpec{Name: LogsDirectory, Path: logDir})
}

func dumpTrail(ex *executor.Executor, cfg *config.Config, g selectedGroup, jobOpts job.Options, dry bool) *audit.Log {
	if dry {
		return nil
	}
	trail, err := ex.Trail(g.index, g.group.DisplayName(g.index), job.LogPath(cfg, g.group, jobOpts))
	if err != nil {
		log.WithError(err).Error("Database dumps of this group are not audited")
		return nil
	}
	return trail
}

func writeMetrics(opts Options, summary Summary) {
	if opts.MetricsFile == "" {
		return
	}
	run := metrics.NewRun()
	run.ObserveJobs(summary.Jobs)
	run.ObserveDumps(summary.Dumps)
	run.Finish(opts.Now(), summary.OK())
	if err := run.WriteFile(opts.MetricsFile); err != nil {
		log.WithError(err).Error("Could not write metrics")
	}
}
