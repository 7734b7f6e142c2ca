// Package audit writes the append-only, line-oriented record of a run.
// Each record is one JSON object with a timestamp, the run id and an event.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	EventStarted  = "started"
	EventFinished = "finished"
	EventError    = "error"

	EventDumpStarted  = "dump_started"
	EventDumpFinished = "dump_finished"
	EventDumpError    = "dump_error"
)

// Log is the audit trail of one (group, destination) pair. Each pair gets
// its own logger value; nothing is reconfigured after construction.
type Log struct {
	logger *log.Logger
	fields log.Fields
	closer io.Closer
}

// Open appends to the file at path, creating it and its directory when needed.
func Open(path string, fields log.Fields) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l := New(f, fields)
	l.closer = f
	return l, nil
}

// New writes records to w. fields are attached to every record.
func New(w io.Writer, fields log.Fields) *Log {
	logger := log.New()
	logger.SetOutput(w)
	logger.SetLevel(log.InfoLevel)
	logger.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339})
	return &Log{logger: logger, fields: fields}
}

func (l *Log) Record(event string, fields log.Fields) {
	entry := l.logger.WithFields(l.fields).WithFields(fields).WithField("event", event)
	switch event {
	case EventError, EventDumpError:
		entry.Error(event)
	default:
		entry.Info(event)
	}
}

func (l *Log) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
