package executor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swat-engineering/rsync-backup/internal/audit"
	"github.com/swat-engineering/rsync-backup/internal/command"
	"github.com/swat-engineering/rsync-backup/internal/command/commandtest"
	"github.com/swat-engineering/rsync-backup/internal/config"
	"github.com/swat-engineering/rsync-backup/internal/job"
	"github.com/swat-engineering/rsync-backup/internal/rsync"
)

// memoryAudit collects every audit record of a run in one buffer.
type memoryAudit struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	opened []string
}

func (m *memoryAudit) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memoryAudit) open(path string, fields log.Fields) (*audit.Log, error) {
	m.opened = append(m.opened, path)
	return audit.New(m, fields), nil
}

func (m *memoryAudit) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(m.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		out = append(out, rec)
	}
	return out
}

func localJobs(dirs ...string) []job.Job {
	var jobs []job.Job
	for _, d := range dirs {
		jobs = append(jobs, job.Job{
			Group:       "files",
			Directory:   d,
			Source:      job.NormalizeSource(d),
			Destination: "/backup" + d,
			LogPath:     "/var/log/backup/backup.log",
			SyncLogPath: "/var/log/backup/localhost.log",
		})
	}
	return jobs
}

func remoteJobs(check *config.SSHCheck, hosts ...string) []job.Job {
	var jobs []job.Job
	for _, h := range hosts {
		for _, d := range []string{"/etc", "/srv"} {
			jobs = append(jobs, job.Job{
				Group:       "servers",
				GroupIndex:  1,
				Host:        h,
				User:        "backup",
				Directory:   d,
				Source:      "backup@" + h + ":" + job.NormalizeSource(d),
				Destination: "/backup/" + h + d,
				LogPath:     "/var/log/backup/backup.log",
				SyncLogPath: "/var/log/backup/" + h + ".log",
				SSHCheck:    check,
			})
		}
	}
	return jobs
}

func newExecutor(runner command.Runner, trail *memoryAudit, opts Options) *Executor {
	opts.RunID = "run-1"
	if opts.Open == nil {
		opts.Open = trail.open
	}
	return New(runner, rsync.NewBuilder(rsync.DefaultOptions()), opts)
}

func TestRunRecordsEveryJobInOrder(t *testing.T) {
	runner := &commandtest.Runner{}
	trail := &memoryAudit{}
	e := newExecutor(runner, trail, Options{})

	report := e.Run(localJobs("/a", "/b", "/c"))
	require.NoError(t, e.Close())

	assert.True(t, report.OK())
	require.Len(t, report.Results, 3)
	for _, res := range report.Results {
		assert.Equal(t, Succeeded, res.State)
	}
	assert.Equal(t, []string{"mkdir", "rsync", "mkdir", "rsync", "mkdir", "rsync"}, runner.Names())
	assert.Equal(t, []string{"/var/log/backup/backup.log"}, trail.opened)

	records := trail.records(t)
	require.Len(t, records, 6)
	for i, dir := range []string{"/a", "/b", "/c"} {
		assert.Equal(t, "started", records[2*i]["event"])
		assert.Equal(t, "finished", records[2*i+1]["event"])
		assert.Equal(t, dir, records[2*i]["directory"])
		assert.Equal(t, dir, records[2*i+1]["directory"])
		assert.EqualValues(t, 0, records[2*i+1]["exit_code"])
		assert.Equal(t, "run-1", records[2*i]["run_id"])
		assert.Equal(t, "files", records[2*i]["group"])
		assert.Equal(t, "localhost", records[2*i]["host"])
	}
}

func TestMkdirFailureOnlyAbortsItsJob(t *testing.T) {
	runner := &commandtest.Runner{Handle: func(n int, inv command.Invocation, _, stderr io.Writer) error {
		if inv.Name == "mkdir" && inv.Args[1] == "/backup/b" {
			fmt.Fprintln(stderr, "mkdir: cannot create directory '/backup/b': Permission denied")
			return commandtest.ExitError(1)
		}
		return nil
	}}
	trail := &memoryAudit{}
	e := newExecutor(runner, trail, Options{})

	report := e.Run(localJobs("/a", "/b", "/c"))

	assert.False(t, report.OK())
	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, []State{Succeeded, Failed, Succeeded}, []State{
		report.Results[0].State, report.Results[1].State, report.Results[2].State,
	})
	assert.Equal(t, []string{"mkdir", "rsync", "mkdir", "mkdir", "rsync"}, runner.Names())

	var dirErr *DirectoryCreationError
	require.ErrorAs(t, report.Results[1].Err, &dirErr)
	assert.Equal(t, "/backup/b", dirErr.Destination)
	assert.Equal(t, 1, dirErr.ExitCode)
	assert.ErrorContains(t, dirErr, "Permission denied")

	records := trail.records(t)
	require.Len(t, records, 6)
	assert.Equal(t, []any{"started", "finished", "started", "error", "started", "finished"}, []any{
		records[0]["event"], records[1]["event"], records[2]["event"],
		records[3]["event"], records[4]["event"], records[5]["event"],
	})
	assert.EqualValues(t, 1, records[3]["exit_code"])
	assert.Contains(t, records[3]["error"], "Permission denied")
}

func TestSyncFailureKeepsExitCode(t *testing.T) {
	runner := &commandtest.Runner{Handle: func(n int, inv command.Invocation, _, _ io.Writer) error {
		if inv.Name == "rsync" {
			return commandtest.ExitError(23)
		}
		return nil
	}}
	e := newExecutor(runner, &memoryAudit{}, Options{})

	res := e.RunJob(localJobs("/a")[0])

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 23, res.ExitCode)
	var syncErr *SyncToolError
	require.ErrorAs(t, res.Err, &syncErr)
	assert.Equal(t, "/a/", syncErr.Source)
}

func TestDryRunExecutesNothing(t *testing.T) {
	runner := &commandtest.Runner{}
	var out bytes.Buffer
	e := newExecutor(runner, nil, Options{
		Dry: true,
		Out: &out,
		Open: func(string, log.Fields) (*audit.Log, error) {
			t.Fatal("dry run opened the audit log")
			return nil, nil
		},
	})

	report := e.Run(localJobs("/data/my app"))

	assert.Empty(t, runner.Calls())
	assert.True(t, report.OK())
	assert.Equal(t, Printed, report.Results[0].State)
	assert.Equal(t,
		"mkdir -p '/backup/data/my app'\n"+
			"rsync --archive --delete --numeric-ids --log-file=/var/log/backup/localhost.log --log-file-format= '/data/my app/' '/backup/data/my app'\n",
		out.String())
}

func TestDebugEchoesWithoutRunning(t *testing.T) {
	runner := &commandtest.Runner{}
	var out bytes.Buffer
	builderOpts := rsync.DefaultOptions()
	builderOpts.Debug = true
	e := New(runner, rsync.NewBuilder(builderOpts), Options{
		Debug: true,
		Out:   &out,
		Open: func(string, log.Fields) (*audit.Log, error) {
			t.Fatal("debug run opened the audit log")
			return nil, nil
		},
	})

	res := e.RunJob(localJobs("/a")[0])

	assert.Equal(t, Printed, res.State)
	assert.Empty(t, runner.Calls())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "mkdir -p /backup/a", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "rsync --archive --delete --numeric-ids --verbose "), lines[1])
}

type fakeProber struct {
	calls []string
	down  map[string]bool
}

func (p *fakeProber) Probe(user, host string, _ *config.SSHCheck, output io.Writer) error {
	p.calls = append(p.calls, user+"@"+host)
	if p.down[host] {
		return errors.New("connection refused")
	}
	fmt.Fprintln(output, "rsync  version 3.2.7")
	return nil
}

func TestProbeFailureFailsJobsOfHost(t *testing.T) {
	runner := &commandtest.Runner{}
	prober := &fakeProber{down: map[string]bool{"db1": true}}
	trail := &memoryAudit{}
	e := newExecutor(runner, trail, Options{Prober: prober})

	report := e.Run(remoteJobs(&config.SSHCheck{PrivateKeyFile: "/k"}, "db1", "db2"))

	assert.Equal(t, []string{"backup@db1", "backup@db2"}, prober.calls)
	assert.Equal(t, 2, report.Failed())
	for _, res := range report.Results[:2] {
		var hostErr *HostUnreachableError
		require.ErrorAs(t, res.Err, &hostErr)
		assert.Equal(t, "db1", hostErr.Host)
		assert.Equal(t, -1, res.ExitCode)
	}
	assert.Equal(t, []string{"mkdir", "rsync", "mkdir", "rsync"}, runner.Names())
	assert.Len(t, trail.records(t), 8)
}

func TestProbeSkippedWithoutCheck(t *testing.T) {
	prober := &fakeProber{}
	e := newExecutor(&commandtest.Runner{}, &memoryAudit{}, Options{Prober: prober})

	report := e.Run(remoteJobs(nil, "db1"))

	assert.True(t, report.OK())
	assert.Empty(t, prober.calls)
}

func TestAuditOpenFailureFailsJobs(t *testing.T) {
	runner := &commandtest.Runner{}
	opens := 0
	e := newExecutor(runner, nil, Options{Open: func(string, log.Fields) (*audit.Log, error) {
		opens++
		return nil, errors.New("read-only file system")
	}})

	report := e.Run(localJobs("/a", "/b"))

	assert.Equal(t, 2, report.Failed())
	assert.Equal(t, 1, opens)
	assert.Empty(t, runner.Calls())
	assert.ErrorContains(t, report.Results[1].Err, "read-only file system")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "printed", Printed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
