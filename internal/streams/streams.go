// Package streams forwards child process output into the log.
package streams

import (
	"bytes"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LineLogger turns the output of a child process into log lines.
// It remembers the last non-empty line, which usually carries the reason of a failure.
type LineLogger struct {
	mu    sync.Mutex
	entry *log.Entry
	level log.Level
	buf   bytes.Buffer
	last  string
}

func NewLineLogger(entry *log.Entry, level log.Level) *LineLogger {
	return &LineLogger{entry: entry, level: level}
}

func (l *LineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.emit(line)
	}
	return len(p), nil
}

// Close flushes a trailing line without newline.
func (l *LineLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
	return nil
}

func (l *LineLogger) Last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *LineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	l.last = line
	l.entry.Log(l.level, line)
}
