// Package logging builds the component loggers used across replica.
//
// Every component logs through a plain *log.Logger with a "[component] "
// prefix. Output goes to stderr and, when a file is configured, to a
// size-rotated log file as well.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File is an optional log file, rotated by size
	File string `mapstructure:"file" toml:"file"`

	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb" toml:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of rotated files kept (default: 3)
	MaxBackups int `mapstructure:"max_backups" toml:"max_backups" validate:"gte=0"`

	// MaxAgeDays removes rotated files older than this, 0 keeps them
	MaxAgeDays int `mapstructure:"max_age_days" toml:"max_age_days" validate:"gte=0"`

	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" toml:"compress"`

	// Quiet drops stderr output
	Quiet bool `mapstructure:"quiet" toml:"quiet"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
	}
}

// Output is an open log destination.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Open sets up the log destination for cfg. Close releases the file.
func Open(cfg Config) (*Output, error) {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	out := &Output{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		out.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, out.file)
	}

	switch len(writers) {
	case 0:
		out.w = io.Discard
	case 1:
		out.w = writers[0]
	default:
		out.w = io.MultiWriter(writers...)
	}
	return out, nil
}

// Logger returns a logger for component, e.g. Logger("sync") logs with a
// "[sync] " prefix.
func (o *Output) Logger(component string) *log.Logger {
	return log.New(o.w, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying destination.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	if err := o.file.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}
