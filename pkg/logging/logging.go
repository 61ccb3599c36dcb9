// Package logging is the process-wide logrus logger shared by the engine and
// the replay tool. Engine code logs through ForConn so every line carries
// the connection it concerns.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logging level
type Level logrus.Level

// Logging levels
const (
	DebugLevel Level = Level(logrus.DebugLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	ErrorLevel Level = Level(logrus.ErrorLevel)
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(textFormatter())
	logger.SetOutput(os.Stdout)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{FullTimestamp: true}
}

// Options is the complete logging setup.
type Options struct {
	Level  string
	Format string

	// File, when set, tees output into a rotated log file.
	File       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// Configure applies opts to the process logger.
func Configure(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	if err := SetFormat(opts.Format); err != nil {
		return err
	}
	SetLevel(level)
	if opts.File == "" {
		return nil
	}
	if err := EnableFileLogging(opts.File, opts.MaxSize, opts.MaxBackups, opts.MaxAge); err != nil {
		return fmt.Errorf("failed to enable file logging: %w", err)
	}
	return nil
}

// ParseLevel maps a configuration string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("invalid log level: %s", s)
}

// SetLevel sets the logging level
func SetLevel(level Level) {
	logger.SetLevel(logrus.Level(level))
}

// DebugEnabled reports whether debug entries are emitted. The per-segment
// path checks it before building fields.
func DebugEnabled() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// SetFormat selects "text" or "json" output.
func SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(textFormatter())
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
	return nil
}

// SetOutput sets the log output
func SetOutput(output io.Writer) {
	logger.SetOutput(output)
}

// EnableFileLogging writes to stdout and to path, rotated by lumberjack.
func EnableFileLogging(path string, maxSize, maxBackups, maxAge int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	rotate := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotate))
	return nil
}

// ForConn returns an entry tagged with a connection identifier.
func ForConn(id string) *logrus.Entry {
	return logger.WithField("conn", id)
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	logger.Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs a fatal message and exits
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
