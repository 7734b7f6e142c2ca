package config

import "slices"

const (
	DefaultLogDir = "/var/log/backup"

	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"

	// AllDatabases as a dbname expands to every non-system database of the server.
	AllDatabases = "*"
)

type Config struct {
	Log         string        `toml:"log" yaml:"log" json:"log"`
	RsyncLog    string        `toml:"rsync_log" yaml:"rsync_log" json:"rsync_log"`
	LogDir      string        `toml:"log_dir" yaml:"log_dir" json:"log_dir"`
	WorkDir     string        `toml:"work_dir" yaml:"work_dir" json:"work_dir"`
	Exclude     []string      `toml:"exclude" yaml:"exclude" json:"exclude"`
	ExcludeFrom []string      `toml:"exclude_from" yaml:"exclude_from" json:"exclude_from"`
	Backups     []BackupGroup `toml:"backups" yaml:"backups" json:"backups"`
}

type BackupGroup struct {
	Name        string   `toml:"name" yaml:"name" json:"name"`
	Destination string   `toml:"destination" yaml:"destination" json:"destination"`
	User        string   `toml:"user" yaml:"user" json:"user"`
	Host        string   `toml:"host" yaml:"host" json:"host"`
	Hosts       []string `toml:"hosts" yaml:"hosts" json:"hosts"`
	Exclude     []string `toml:"exclude" yaml:"exclude" json:"exclude"`
	ExcludeFrom []string `toml:"exclude_from" yaml:"exclude_from" json:"exclude_from"`
	Log         string   `toml:"log" yaml:"log" json:"log"`
	RsyncLog    string   `toml:"rsync_log" yaml:"rsync_log" json:"rsync_log"`
	WorkDir     string   `toml:"work_dir" yaml:"work_dir" json:"work_dir"`

	Directories []DirectorySpec `toml:"directories" yaml:"directories" json:"directories"`
	Databases   *Databases      `toml:"databases" yaml:"databases" json:"databases"`
	SSHCheck    *SSHCheck       `toml:"ssh_check" yaml:"ssh_check" json:"ssh_check"`
}

type DirectorySpec struct {
	Name        string   `toml:"name" yaml:"name" json:"name"`
	Path        string   `toml:"path" yaml:"path" json:"path"`
	Exclude     []string `toml:"exclude" yaml:"exclude" json:"exclude"`
	ExcludeFrom []string `toml:"exclude_from" yaml:"exclude_from" json:"exclude_from"`
}

type Databases struct {
	Gzip     bool           `toml:"gzip" yaml:"gzip" json:"gzip"`
	MySQL    []DatabaseSpec `toml:"mysql" yaml:"mysql" json:"mysql"`
	Postgres []DatabaseSpec `toml:"postgres" yaml:"postgres" json:"postgres"`
}

type DatabaseSpec struct {
	DBName   string `toml:"dbname" yaml:"dbname" json:"dbname"`
	User     string `toml:"user" yaml:"user" json:"user"`
	Password string `toml:"password" yaml:"password" json:"password"`
	Host     string `toml:"host" yaml:"host" json:"host"`
	Port     int    `toml:"port" yaml:"port" json:"port"`
}

// SSHCheck configures the connectivity probe run against every remote host
// of a group before its jobs start.
type SSHCheck struct {
	PrivateKeyFile     string   `toml:"private_key_file" yaml:"private_key_file" json:"private_key_file"`
	KnownHosts         []string `toml:"known_hosts" yaml:"known_hosts" json:"known_hosts"`
	Port               int      `toml:"port" yaml:"port" json:"port"`
	ProxyJumpHost      string   `toml:"proxy_jump_host" yaml:"proxy_jump_host" json:"proxy_jump_host"`
	ProxyJumpKnownHost string   `toml:"proxy_jump_known_host" yaml:"proxy_jump_known_host" json:"proxy_jump_known_host"`
	Command            string   `toml:"command" yaml:"command" json:"command"`
}

// DisplayName is the group name, or its position in the backups list when unnamed.
func (g BackupGroup) DisplayName(index int) string {
	if g.Name != "" {
		return g.Name
	}
	return groupLocation(index)
}

// IsLocal reports whether the group targets the machine the run executes on.
func (g BackupGroup) IsLocal() bool {
	return g.Host == "" && len(g.Hosts) == 0
}

// HostSet returns the configured hosts of the group in declaration order.
// A local group yields an empty set. index is the group's position, used in errors.
func (g BackupGroup) HostSet(index int) ([]string, error) {
	if g.Host != "" && len(g.Hosts) > 0 {
		return nil, &MutuallyExclusiveFieldsError{Fields: []string{"host", "hosts"}, Location: GroupLocation(index)}
	}
	if g.Host != "" {
		return []string{g.Host}, nil
	}
	return slices.Clone(g.Hosts), nil
}

// WithDirectories returns a copy of the group whose directory list has extra appended.
func (g BackupGroup) WithDirectories(extra ...DirectorySpec) BackupGroup {
	g = g.clone()
	g.Directories = append(g.Directories, extra...)
	return g
}

func (c *Config) clone() *Config {
	out := *c
	out.Exclude = slices.Clone(c.Exclude)
	out.ExcludeFrom = slices.Clone(c.ExcludeFrom)
	out.Backups = make([]BackupGroup, len(c.Backups))
	for i, g := range c.Backups {
		out.Backups[i] = g.clone()
	}
	return &out
}

func (g BackupGroup) clone() BackupGroup {
	g.Hosts = slices.Clone(g.Hosts)
	g.Exclude = slices.Clone(g.Exclude)
	g.ExcludeFrom = slices.Clone(g.ExcludeFrom)
	dirs := make([]DirectorySpec, len(g.Directories))
	for i, d := range g.Directories {
		d.Exclude = slices.Clone(d.Exclude)
		d.ExcludeFrom = slices.Clone(d.ExcludeFrom)
		dirs[i] = d
	}
	g.Directories = dirs
	if g.Databases != nil {
		dbs := *g.Databases
		dbs.MySQL = slices.Clone(dbs.MySQL)
		dbs.Postgres = slices.Clone(dbs.Postgres)
		g.Databases = &dbs
	}
	if g.SSHCheck != nil {
		check := *g.SSHCheck
		check.KnownHosts = slices.Clone(check.KnownHosts)
		g.SSHCheck = &check
	}
	return g
}

// Engines returns the configured database engines with their entries, mysql first.
func (d *Databases) Engines() []EngineDatabases {
	if d == nil {
		return nil
	}
	var out []EngineDatabases
	if len(d.MySQL) > 0 {
		out = append(out, EngineDatabases{Engine: EngineMySQL, Databases: d.MySQL})
	}
	if len(d.Postgres) > 0 {
		out = append(out, EngineDatabases{Engine: EnginePostgres, Databases: d.Postgres})
	}
	return out
}

type EngineDatabases struct {
	Engine    string
	Databases []DatabaseSpec
}
