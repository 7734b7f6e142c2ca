package main

import (
	"context"
	"errors"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/swat-engineering/rsync-backup/internal/backup"
	"github.com/swat-engineering/rsync-backup/internal/command"
	"github.com/swat-engineering/rsync-backup/internal/config"
	"github.com/swat-engineering/rsync-backup/internal/runlock"
	sshcheck "github.com/swat-engineering/rsync-backup/internal/ssh"
)

const (
	exitOK = iota
	exitFailed
	exitConfig
	exitLocked
)

type flags struct {
	config      string
	limit       string
	logDir      string
	metricsFile string
	debug       bool
	dry         bool
	fast        bool
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, command.ExecRunner{}))
}

func execute(ctx context.Context, args []string, stdout io.Writer, runner command.Runner) int {
	var f flags
	code := exitOK

	root := &cobra.Command{
		Use:           "backup [config-path] [host...]",
		Short:         "Mirror directories and database dumps with rsync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, positional []string) error {
			code = run(cmd.Context(), f, positional, stdout, runner)
			return nil
		},
	}
	root.Flags().StringVarP(&f.config, "config", "c", "", "alternate config path, all positional arguments are then hosts")
	root.Flags().StringVarP(&f.limit, "limit", "l", "", "only run the backup group with this name")
	root.Flags().BoolVar(&f.debug, "debug", false, "debug logging, echo every command with verbose rsync without executing anything")
	root.Flags().BoolVar(&f.dry, "dry", false, "print the resolved commands without executing anything")
	root.Flags().BoolVar(&f.fast, "fast", false, "use a faster, weaker ssh transport for remote jobs")
	root.Flags().StringVar(&f.logDir, "log-dir", "", "standard log directory (default "+config.DefaultLogDir+")")
	root.Flags().StringVar(&f.metricsFile, "metrics-file", "", "write a Prometheus textfile after the run")
	root.SetArgs(args)
	root.SetOut(stdout)

	if err := root.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("Invalid command line")
		return exitConfig
	}
	return code
}

func run(ctx context.Context, f flags, positional []string, stdout io.Writer, runner command.Runner) int {
	if f.debug {
		log.SetLevel(log.DebugLevel)
	}

	path := f.config
	hosts := positional
	if path == "" {
		if len(positional) == 0 {
			log.Error("No configuration file given")
			return exitConfig
		}
		path, hosts = positional[0], positional[1:]
	}

	cfg, err := readConfig(path)
	if err != nil {
		log.WithError(err).Error("Error in configuration")
		return exitConfig
	}
	log.WithField("groups", len(cfg.Backups)).Info("Loaded configuration")

	if !f.dry && !f.debug {
		lock, err := runlock.Acquire(path)
		if err != nil {
			if errors.Is(err, runlock.ErrHeld) {
				log.WithError(err).Error("Backup is already running")
				return exitLocked
			}
			log.WithError(err).Error("Could not lock configuration file")
			return exitConfig
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.WithError(err).Warn("Could not release run lock")
			}
		}()
	}

	summary, err := backup.Run(ctx, cfg, backup.Options{
		Limit:       f.limit,
		Hosts:       hosts,
		LogDir:      f.logDir,
		Dry:         f.dry,
		Debug:       f.debug,
		Fast:        f.fast,
		MetricsFile: f.metricsFile,
		Out:         stdout,
		Runner:      runner,
		Prober:      sshcheck.Prober{},
	})
	if err != nil {
		log.WithError(err).Error("Error in configuration")
		return exitConfig
	}

	myLog := log.WithFields(log.Fields{
		"run_id":       summary.RunID,
		"jobs":         len(summary.Jobs.Results),
		"failed_jobs":  summary.Jobs.Failed(),
		"dumps":        len(summary.Dumps),
		"failed_dumps": summary.FailedDumps(),
	})
	if !summary.OK() {
		myLog.Error("Backup run finished with failures")
		return exitFailed
	}
	myLog.Info("Backup run finished")
	return exitOK
}

func readConfig(path string) (*config.Config, error) {
	log.WithField("path", path).Info("Reading config")
	raw, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.Validate(raw)
}
