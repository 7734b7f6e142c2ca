// Package job expands a validated configuration into the ordered list of
// synchronization jobs of a run.
package job

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/swat-engineering/rsync-backup/internal/config"
)

// LocalHost names the synthetic host entry of groups without host or hosts.
const LocalHost = "localhost"

// Job is one (group, host, directory) synchronization unit.
type Job struct {
	Group      string
	GroupIndex int
	// Host is empty for local jobs.
	Host      string
	User      string
	Directory string

	Source      string
	Destination string

	Exclude     []string
	ExcludeFrom []string

	LogPath     string
	SyncLogPath string

	SSHCheck *config.SSHCheck
}

func (j Job) IsRemote() bool {
	return j.Host != ""
}

// HostName is the host the job reads from, LocalHost for local jobs.
func (j Job) HostName() string {
	if j.Host == "" {
		return LocalHost
	}
	return j.Host
}

func (j Job) String() string {
	return fmt.Sprintf("%s %s -> %s", j.Group, j.Source, j.Destination)
}

// Options tune a resolution.
type Options struct {
	// Hosts restricts remote groups to these host names. Empty means all hosts.
	Hosts []string
	// LogDir overrides the configured standard log directory.
	LogDir string
}

// Resolve expands every group of cfg into jobs, in group, host, directory order.
// A group whose hosts are all filtered out yields no jobs.
func Resolve(cfg *config.Config, opts Options) ([]Job, error) {
	var jobs []Job
	for i, group := range cfg.Backups {
		groupJobs, err := ResolveGroup(cfg, i, group, opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, groupJobs...)
	}
	return jobs, nil
}

// ResolveGroup expands a single group. group may differ from cfg.Backups[index]
// when directories were added to it, e.g. by the database dump stage.
func ResolveGroup(cfg *config.Config, index int, group config.BackupGroup, opts Options) ([]Job, error) {
	hosts, err := group.HostSet(index)
	if err != nil {
		return nil, err
	}
	for i, dir := range group.Directories {
		if !filepath.IsAbs(dir.Path) {
			return nil, &config.ConfigError{
				Field:    "path",
				Location: config.DirectoryLocation(index, i),
				Reason:   fmt.Sprintf("must be an absolute path: %q", dir.Path),
			}
		}
	}

	if len(hosts) == 0 {
		// local group: one synthetic entry without host qualification
		hosts = []string{""}
	} else if len(opts.Hosts) > 0 {
		hosts = slices.DeleteFunc(hosts, func(h string) bool {
			return !slices.Contains(opts.Hosts, h)
		})
	}

	logDir := LogDirectory(cfg, opts)
	name := group.DisplayName(index)

	var jobs []Job
	for _, host := range hosts {
		for _, dir := range group.Directories {
			j := Job{
				Group:       name,
				GroupIndex:  index,
				Host:        host,
				Directory:   directoryName(dir),
				Exclude:     concat(dir.Exclude, group.Exclude, cfg.Exclude),
				ExcludeFrom: concat(dir.ExcludeFrom, group.ExcludeFrom, cfg.ExcludeFrom),
				LogPath:     LogPath(cfg, group, opts),
				SSHCheck:    group.SSHCheck,
			}
			if host == "" {
				j.Source = NormalizeSource(dir.Path)
				j.Destination = filepath.Join(group.Destination, dir.Path)
				j.SyncLogPath = firstSet(group.RsyncLog, cfg.RsyncLog, filepath.Join(logDir, LocalHost+".log"))
			} else {
				j.User = group.User
				j.Source = remoteSource(group.User, host, dir.Path)
				j.Destination = filepath.Join(group.Destination, host, dir.Path)
				j.SyncLogPath = firstSet(group.RsyncLog, cfg.RsyncLog, filepath.Join(logDir, host+".log"))
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// NormalizeSource cleans path and terminates it with a separator, so rsync
// copies the directory contents instead of nesting the directory itself.
func NormalizeSource(path string) string {
	cleaned := filepath.Clean(path)
	if strings.HasSuffix(cleaned, string(filepath.Separator)) {
		return cleaned
	}
	return cleaned + string(filepath.Separator)
}

func remoteSource(user, host, path string) string {
	if user != "" {
		return user + "@" + host + ":" + NormalizeSource(path)
	}
	return host + ":" + NormalizeSource(path)
}

func directoryName(dir config.DirectorySpec) string {
	if dir.Name != "" {
		return dir.Name
	}
	return dir.Path
}

// LogPath is the run log of group: its own log, the global log, or backup.log
// in the standard log directory.
func LogPath(cfg *config.Config, group config.BackupGroup, opts Options) string {
	return firstSet(group.Log, cfg.Log, filepath.Join(LogDirectory(cfg, opts), "backup.log"))
}

// LogDirectory is the standard log directory of a run.
func LogDirectory(cfg *config.Config, opts Options) string {
	return firstSet(opts.LogDir, cfg.LogDir, config.DefaultLogDir)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// concat joins the lists most specific first. Duplicates are kept: rsync
// evaluates rules in order and repeated rules are harmless.
func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
