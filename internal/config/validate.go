package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validate checks raw and returns an independent copy of it that downstream
// code can consume without presence checks. It stops at the first problem.
func Validate(raw *Config) (*Config, error) {
	if raw == nil {
		return nil, missing("backups", GlobalLocation())
	}
	if err := validateGlobal(raw); err != nil {
		return nil, err
	}
	for i, group := range raw.Backups {
		if err := validateGroup(i, group); err != nil {
			return nil, err
		}
	}
	return raw.clone(), nil
}

func validateGlobal(c *Config) error {
	loc := GlobalLocation()
	if len(c.Backups) == 0 {
		return missing("backups", loc)
	}
	if err := absoluteIfSet("log_dir", c.LogDir, loc); err != nil {
		return err
	}
	if err := absoluteIfSet("work_dir", c.WorkDir, loc); err != nil {
		return err
	}
	if err := nonEmptyEntries("exclude", c.Exclude, loc); err != nil {
		return err
	}
	return nonEmptyEntries("exclude_from", c.ExcludeFrom, loc)
}

func validateGroup(index int, g BackupGroup) error {
	loc := GroupLocation(index)
	if strings.TrimSpace(g.Destination) == "" {
		return missing("destination", loc)
	}
	if !filepath.IsAbs(g.Destination) {
		return &ConfigError{Field: "destination", Location: loc, Reason: "must be an absolute path"}
	}

	hosts, err := g.HostSet(index)
	if err != nil {
		return err
	}
	for i, host := range hosts {
		field := "host"
		if len(g.Hosts) > 0 {
			field = fmt.Sprintf("hosts[%d]", i)
		}
		if strings.TrimSpace(host) == "" {
			return &ConfigError{Field: field, Location: loc, Reason: "must not be empty"}
		}
		if strings.HasPrefix(host, "-") || strings.ContainsAny(host, " \t\n/:") {
			return &ConfigError{Field: field, Location: loc, Reason: fmt.Sprintf("is not a valid host name: %q", host)}
		}
	}
	if strings.HasPrefix(g.User, "-") || strings.ContainsAny(g.User, " \t\n@:") {
		return &ConfigError{Field: "user", Location: loc, Reason: fmt.Sprintf("is not a valid login: %q", g.User)}
	}
	if g.SSHCheck != nil {
		if err := validateSSHCheck(g, loc); err != nil {
			return err
		}
	}

	if err := absoluteIfSet("work_dir", g.WorkDir, loc); err != nil {
		return err
	}
	if err := nonEmptyEntries("exclude", g.Exclude, loc); err != nil {
		return err
	}
	if err := nonEmptyEntries("exclude_from", g.ExcludeFrom, loc); err != nil {
		return err
	}
	if len(g.Directories) == 0 && len(g.Databases.Engines()) == 0 {
		return missing("directories", loc)
	}

	for i, dir := range g.Directories {
		if err := validateDirectory(DirectoryLocation(index, i), dir); err != nil {
			return err
		}
	}

	engines := g.Databases.Engines()
	if len(engines) > 0 && !g.IsLocal() {
		// dumps are taken on the machine running the backup
		return &ConfigError{Field: "databases", Location: loc, Reason: "requires a local group without host or hosts"}
	}
	for _, engine := range engines {
		for i, db := range engine.Databases {
			if err := validateDatabase(DatabaseLocation(index, engine.Engine, i), db); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSSHCheck(g BackupGroup, loc Location) error {
	if g.IsLocal() {
		return &ConfigError{Field: "ssh_check", Location: loc, Reason: "requires host or hosts"}
	}
	if g.User == "" {
		return &ConfigError{Field: "user", Location: loc, Reason: "is required by ssh_check"}
	}
	if strings.TrimSpace(g.SSHCheck.PrivateKeyFile) == "" {
		return missing("ssh_check.private_key_file", loc)
	}
	if len(g.SSHCheck.KnownHosts) == 0 {
		return missing("ssh_check.known_hosts", loc)
	}
	if g.SSHCheck.Port < 0 || g.SSHCheck.Port > 65535 {
		return &ConfigError{Field: "ssh_check.port", Location: loc, Reason: fmt.Sprintf("is out of range: %d", g.SSHCheck.Port)}
	}
	return nil
}

func validateDirectory(loc Location, dir DirectorySpec) error {
	if strings.TrimSpace(dir.Path) == "" {
		return missing("path", loc)
	}
	if !filepath.IsAbs(dir.Path) {
		return &ConfigError{Field: "path", Location: loc, Reason: fmt.Sprintf("must be an absolute path: %q", dir.Path)}
	}
	if err := nonEmptyEntries("exclude", dir.Exclude, loc); err != nil {
		return err
	}
	return nonEmptyEntries("exclude_from", dir.ExcludeFrom, loc)
}

func validateDatabase(loc Location, db DatabaseSpec) error {
	if db.DBName == "" {
		return missing("dbname", loc)
	}
	if db.DBName != AllDatabases {
		if err := CheckDatabaseName(db.DBName); err != nil {
			return &ConfigError{Field: "dbname", Location: loc, Reason: err.Error()}
		}
	}
	if db.User == "" {
		return missing("user", loc)
	}
	if db.Password == "" {
		return missing("password", loc)
	}
	if db.Port < 0 || db.Port > 65535 {
		return &ConfigError{Field: "port", Location: loc, Reason: fmt.Sprintf("is out of range: %d", db.Port)}
	}
	return nil
}

// CheckDatabaseName rejects names that a dump tool would read as an option or
// that would place the dump file outside its staging directory.
func CheckDatabaseName(name string) error {
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("must not start with '-': %q", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("must not contain a path separator: %q", name)
	}
	return nil
}

func absoluteIfSet(field, path string, loc Location) error {
	if path != "" && !filepath.IsAbs(path) {
		return &ConfigError{Field: field, Location: loc, Reason: fmt.Sprintf("must be an absolute path: %q", path)}
	}
	return nil
}

func nonEmptyEntries(field string, entries []string, loc Location) error {
	for i, e := range entries {
		if strings.TrimSpace(e) == "" {
			return &ConfigError{Field: fmt.Sprintf("%s[%d]", field, i), Location: loc, Reason: "must not be empty"}
		}
	}
	return nil
}
