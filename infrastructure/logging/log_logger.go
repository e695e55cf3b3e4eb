// Package logging implements application.Logger over the standard library
// logger.
package logging

import (
	"log"
	"os"

	"minivtun/application"
)

// LogLogger writes to stderr through an owned log.Logger, optionally
// tagging every line with the tunnel interface name so logs from several
// instances on one host stay tellable apart.
type LogLogger struct {
	l *log.Logger
}

func NewLogLogger() *LogLogger {
	return &LogLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewWithPrefix tags every line with prefix, typically the tunnel
// interface name.
func NewWithPrefix(prefix string) *LogLogger {
	return &LogLogger{l: log.New(os.Stderr, prefix+": ", log.LstdFlags)}
}

func (l *LogLogger) Printf(format string, v ...any) {
	l.l.Printf(format, v...)
}

var _ application.Logger = (*LogLogger)(nil)
