// Package dump takes database dumps into staging directories that are then
// synchronized like any other directory of the group.
package dump

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/swat-engineering/rsync-backup/internal/audit"
	"github.com/swat-engineering/rsync-backup/internal/command"
	"github.com/swat-engineering/rsync-backup/internal/config"
	"github.com/swat-engineering/rsync-backup/internal/streams"
)

const (
	MySQLDumpBinary = "mysqldump"
	PgDumpBinary    = "pg_dump"

	TimestampFormat = "2006-01-02T15-04-05"

	discoveryTimeout = 30 * time.Second
)

// DumpToolError reports a dump that could not be taken.
type DumpToolError struct {
	Engine   string
	Database string
	ExitCode int
	Err      error
}

func (e *DumpToolError) Error() string {
	return fmt.Sprintf("dumping %s database %q failed (exit code %d): %v", e.Engine, e.Database, e.ExitCode, e.Err)
}

func (e *DumpToolError) Unwrap() error {
	return e.Err
}

// Result is the outcome of one database dump.
type Result struct {
	Engine     string
	Database   string
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Err        error
}

type Options struct {
	Dry bool
	// Out receives the commands of a dry run.
	Out io.Writer
	// Discoverer expands the "*" database name; nil uses SQLDiscoverer.
	Discoverer Discoverer
	Now        func() time.Time
}

// Stage runs the dump tools of a group.
type Stage struct {
	runner command.Runner
	opts   Options
}

func NewStage(runner command.Runner, opts Options) *Stage {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Discoverer == nil {
		opts.Discoverer = SQLDiscoverer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Stage{runner: runner, opts: opts}
}

// Run dumps every database of group into <workDir>/<engine> and returns the
// group with one directory per staging directory appended. A failed dump
// does not remove the staging directory from the group: the sync job is
// still attempted and recorded.
func (s *Stage) Run(ctx context.Context, group config.BackupGroup, workDir string, trail *audit.Log) (config.BackupGroup, []Result) {
	if group.Databases == nil {
		return group, nil
	}
	var staged []config.DirectorySpec
	var results []Result
	for _, engine := range group.Databases.Engines() {
		stagingDir := filepath.Join(workDir, engine.Engine)
		staged = append(staged, config.DirectorySpec{Name: engine.Engine, Path: stagingDir})
		results = append(results, s.dumpEngine(ctx, engine, stagingDir, group.Databases.Gzip, trail)...)
	}
	return group.WithDirectories(staged...), results
}

func (s *Stage) dumpEngine(ctx context.Context, engine config.EngineDatabases, stagingDir string, compress bool, trail *audit.Log) []Result {
	logger := log.WithField("engine", engine.Engine)
	if !s.opts.Dry {
		if err := os.MkdirAll(stagingDir, 0o750); err != nil {
			logger.WithError(err).Error("Could not create staging directory")
		}
	}

	var results []Result
	for _, spec := range engine.Databases {
		names := []string{spec.DBName}
		if spec.DBName == config.AllDatabases {
			if s.opts.Dry {
				fmt.Fprintf(s.opts.Out, "# dump every database of the %s server at %s\n", engine.Engine, serverAddress(engine.Engine, spec))
				continue
			}
			discovered, err := s.discover(ctx, engine.Engine, spec)
			if err != nil {
				res := Result{Engine: engine.Engine, Database: spec.DBName, Err: &DumpToolError{Engine: engine.Engine, Database: spec.DBName, ExitCode: -1, Err: err}}
				s.record(trail, audit.EventDumpStarted, res)
				s.record(trail, audit.EventDumpError, res)
				logger.WithError(err).Error("Database discovery failed")
				results = append(results, res)
				continue
			}
			names = discovered
		}

		for _, name := range names {
			if err := config.CheckDatabaseName(name); err != nil {
				res := Result{Engine: engine.Engine, Database: name, Err: &DumpToolError{Engine: engine.Engine, Database: name, ExitCode: -1, Err: fmt.Errorf("database name %w", err)}}
				s.record(trail, audit.EventDumpStarted, res)
				s.record(trail, audit.EventDumpError, res)
				logger.WithField("database", name).Error("Skipping database with an unusable name")
				results = append(results, res)
				continue
			}
			results = append(results, s.dumpOne(engine.Engine, spec, name, stagingDir, compress, trail))
		}
	}
	return results
}

func (s *Stage) discover(ctx context.Context, engine string, spec config.DatabaseSpec) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	return s.opts.Discoverer.Databases(ctx, engine, spec)
}

func (s *Stage) dumpOne(engine string, spec config.DatabaseSpec, name, stagingDir string, compress bool, trail *audit.Log) Result {
	file := filepath.Join(stagingDir, fileName(name, s.opts.Now(), compress))
	inv := Invocation(engine, spec, name)
	res := Result{Engine: engine, Database: name, OutputPath: file}

	if s.opts.Dry {
		line := inv.String() + " > " + command.Quote(file)
		if compress {
			line = inv.String() + " | gzip > " + command.Quote(file)
		}
		fmt.Fprintln(s.opts.Out, line)
		return res
	}

	logger := log.WithFields(log.Fields{"engine": engine, "database": name})
	logger.WithField("command", inv.String()).Debug("Dumping database")
	s.record(trail, audit.EventDumpStarted, res)

	start := time.Now()
	size, err := s.dumpTo(inv, file, compress, logger)
	res.Duration = time.Since(start)
	res.SizeBytes = size
	if err != nil {
		res.Err = &DumpToolError{Engine: engine, Database: name, ExitCode: command.ExitCode(err), Err: err}
		logger.WithError(res.Err).Error("Database dump failed")
		s.record(trail, audit.EventDumpError, res)
		return res
	}

	logger.WithFields(log.Fields{
		"size":     humanize.Bytes(uint64(size)),
		"duration": res.Duration.Round(time.Millisecond),
	}).Info("Database dumped")
	s.record(trail, audit.EventDumpFinished, res)
	return res
}

// dumpTo runs inv with its standard output written to path, gzip compressed
// when asked. A partial file is removed on failure.
func (s *Stage) dumpTo(inv command.Invocation, path string, compress bool, logger *log.Entry) (size int64, err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating dump file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("closing dump file: %w", closeErr)
		}
		if err != nil {
			os.Remove(path)
			return
		}
		if info, statErr := os.Stat(path); statErr == nil {
			size = info.Size()
		}
	}()

	var out io.Writer = f
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(f)
		out = gz
	}

	stderr := streams.NewLineLogger(logger, log.WarnLevel)
	runErr := s.runner.Run(inv, out, stderr)
	stderr.Close()
	if gz != nil {
		if err := gz.Close(); err != nil && runErr == nil {
			runErr = fmt.Errorf("compressing dump: %w", err)
		}
	}
	if runErr != nil {
		if last := stderr.Last(); last != "" {
			return 0, fmt.Errorf("%w: %s", runErr, last)
		}
		return 0, runErr
	}
	return 0, nil
}

func (s *Stage) record(trail *audit.Log, event string, res Result) {
	if trail == nil {
		return
	}
	fields := log.Fields{
		"engine":   res.Engine,
		"database": res.Database,
	}
	if res.OutputPath != "" {
		fields["file"] = res.OutputPath
	}
	switch event {
	case audit.EventDumpFinished:
		fields["exit_code"] = 0
		fields["size_bytes"] = res.SizeBytes
		fields["duration"] = res.Duration.String()
	case audit.EventDumpError:
		fields["exit_code"] = command.ExitCode(res.Err)
		fields["error"] = res.Err.Error()
	}
	trail.Record(event, fields)
}

func fileName(database string, now time.Time, compress bool) string {
	name := database + "." + now.Format(TimestampFormat) + ".sql"
	if compress {
		name += ".gz"
	}
	return name
}

// Invocation builds the dump command of database. mysqldump takes the password
// as a flag; pg_dump only reads it from PGPASSWORD. The database name always
// follows "--".
func Invocation(engine string, spec config.DatabaseSpec, database string) command.Invocation {
	switch engine {
	case config.EnginePostgres:
		args := []string{"--username=" + spec.User, "--no-password"}
		args = append(args, connectionArgs(spec)...)
		return command.Invocation{
			Name:    PgDumpBinary,
			Args:    append(args, "--", database),
			Env:     []string{"PGPASSWORD=" + spec.Password},
			Secrets: []string{spec.Password},
		}
	default:
		args := []string{"--user=" + spec.User, "--password=" + spec.Password}
		args = append(args, connectionArgs(spec)...)
		return command.Invocation{
			Name:    MySQLDumpBinary,
			Args:    append(args, "--", database),
			Secrets: []string{spec.Password},
		}
	}
}

func connectionArgs(spec config.DatabaseSpec) []string {
	var args []string
	if spec.Host != "" {
		args = append(args, "--host="+spec.Host)
	}
	if spec.Port != 0 {
		args = append(args, "--port="+strconv.Itoa(spec.Port))
	}
	return args
}
