// Package metrics exports the outcome of a run as a Prometheus textfile, to be
// picked up by the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/swat-engineering/rsync-backup/internal/dump"
	"github.com/swat-engineering/rsync-backup/internal/executor"
)

// Run holds the metrics of a single run in a private registry, so nothing of
// the process-wide default registry ends up in the file.
type Run struct {
	registry *prometheus.Registry

	jobs        *prometheus.CounterVec
	jobDuration *prometheus.GaugeVec
	dumps       *prometheus.CounterVec
	lastRun     prometheus.Gauge
	lastSuccess prometheus.Gauge
}

func NewRun() *Run {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Run{
		registry: reg,
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_jobs_total",
			Help: "Backup jobs of the last run by terminal state",
		}, []string{"state"}),
		jobDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_job_duration_seconds",
			Help: "Wall time of each backup job of the last run",
		}, []string{"group", "host", "directory"}),
		dumps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_dumps_total",
			Help: "Database dumps of the last run by engine and status",
		}, []string{"engine", "status"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "backup_last_run_success",
			Help: "1 if every job and dump of the last run succeeded",
		}),
	}
}

func (r *Run) ObserveJobs(report executor.Report) {
	for _, res := range report.Results {
		r.jobs.WithLabelValues(res.State.String()).Inc()
		r.jobDuration.WithLabelValues(res.Job.Group, res.Job.HostName(), res.Job.Directory).Set(res.Duration.Seconds())
	}
}

func (r *Run) ObserveDumps(results []dump.Result) {
	for _, res := range results {
		status := "success"
		if res.Err != nil {
			status = "error"
		}
		r.dumps.WithLabelValues(res.Engine, status).Inc()
	}
}

// Finish stamps the run with its end time and overall result.
func (r *Run) Finish(at time.Time, ok bool) {
	r.lastRun.Set(float64(at.Unix()))
	if ok {
		r.lastSuccess.Set(1)
	} else {
		r.lastSuccess.Set(0)
	}
}

// WriteFile atomically replaces path with the current metrics.
func (r *Run) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
