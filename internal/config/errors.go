package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is matched by every configuration-time error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Location points at the part of the configuration an error refers to.
// Negative indexes mean the level does not apply.
type Location struct {
	Group     int
	Directory int
	Database  int
	Engine    string
}

func GlobalLocation() Location {
	return Location{Group: -1, Directory: -1, Database: -1}
}

func GroupLocation(group int) Location {
	return Location{Group: group, Directory: -1, Database: -1}
}

func DirectoryLocation(group, directory int) Location {
	return Location{Group: group, Directory: directory, Database: -1}
}

func DatabaseLocation(group int, engine string, database int) Location {
	return Location{Group: group, Directory: -1, Database: database, Engine: engine}
}

func (l Location) String() string {
	if l.Group < 0 {
		return "global"
	}
	var b strings.Builder
	b.WriteString(groupLocation(l.Group))
	switch {
	case l.Directory >= 0:
		fmt.Fprintf(&b, ".directories[%d]", l.Directory)
	case l.Engine != "" && l.Database >= 0:
		fmt.Fprintf(&b, ".databases.%s[%d]", l.Engine, l.Database)
	case l.Engine != "":
		fmt.Fprintf(&b, ".databases.%s", l.Engine)
	}
	return b.String()
}

func groupLocation(index int) string {
	return fmt.Sprintf("backups[%d]", index)
}

// ConfigError reports a missing, empty or malformed field.
type ConfigError struct {
	Field    string
	Location Location
	Reason   string
}

func (e *ConfigError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "is required"
	}
	msg := fmt.Sprintf("%s: %s %s", e.Location, e.Field, reason)
	if e.Location.Engine != "" {
		msg += " (engine " + e.Location.Engine + ")"
	}
	return msg
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

type MutuallyExclusiveFieldsError struct {
	Fields   []string
	Location Location
}

func (e *MutuallyExclusiveFieldsError) Error() string {
	return fmt.Sprintf("%s: %s are mutually exclusive", e.Location, strings.Join(e.Fields, " and "))
}

func (e *MutuallyExclusiveFieldsError) Unwrap() error {
	return ErrInvalidConfig
}

func missing(field string, loc Location) error {
	return &ConfigError{Field: field, Location: loc}
}
