// Package logging builds the component loggers. Every component takes a
// plain *log.Logger with a "[component] " prefix; this package points them
// all at stderr plus an optional size-rotated file.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the log file. An empty File logs to stderr only.
type Config struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet drops the stderr copy (the file still receives everything).
	Quiet bool
}

// Logging owns the shared log writer.
type Logging struct {
	out    io.Writer
	rotate *lumberjack.Logger
}

// New opens the shared writer described by cfg.
func New(cfg Config) (*Logging, error) {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	l := &Logging{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, err
		}
		l.rotate = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, l.rotate)
	}

	switch len(writers) {
	case 0:
		l.out = io.Discard
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Logger returns a logger for component, e.g. Logger("sync") prefixes "[sync] ".
func (l *Logging) Logger(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared writer.
func (l *Logging) Writer() io.Writer {
	return l.out
}

// Rotate starts a new log file. A no-op without a file.
func (l *Logging) Rotate() error {
	if l.rotate == nil {
		return nil
	}
	return l.rotate.Rotate()
}

// Close closes the log file.
func (l *Logging) Close() error {
	if l.rotate == nil {
		return nil
	}
	return l.rotate.Close()
}
