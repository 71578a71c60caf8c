// Package logging provides structured logging for the swap daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log and remembers how it was built so that
// component loggers share the parent's output and format.
type Logger struct {
	*log.Logger
	opts   log.Options
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string // "text" or "json"
	TimeFormat string
	Prefix     string
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		Format:     "text",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
		Level:           ParseLevel(cfg.Level),
	}
	if strings.EqualFold(cfg.Format, "json") {
		opts.Formatter = log.JSONFormatter
	}

	return &Logger{Logger: log.NewWithOptions(output, opts), opts: opts, output: output}
}

// Default returns the default logger.
func Default() *Logger {
	return New(DefaultConfig())
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(&Config{Level: "fatal", Output: io.Discard})
}

// ParseLevel parses a string level into a log.Level.
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), opts: l.opts, output: l.output}
}

// WithPrefix returns a new logger with the given prefix, writing to the same
// output as l.
func (l *Logger) WithPrefix(prefix string) *Logger {
	opts := l.opts
	opts.Prefix = prefix
	opts.Level = l.GetLevel()
	return &Logger{Logger: log.NewWithOptions(l.output, opts), opts: opts, output: l.output}
}

// Component returns a logger for a specific component.
func (l *Logger) Component(name string) *Logger {
	return l.WithPrefix(name)
}

// Global default logger instance.
var defaultLogger = Default()

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}

// Package-level logging functions using the default logger.

func Debug(msg interface{}, keyvals ...interface{}) { defaultLogger.Debug(msg, keyvals...) }
func Info(msg interface{}, keyvals ...interface{})  { defaultLogger.Info(msg, keyvals...) }
func Warn(msg interface{}, keyvals ...interface{})  { defaultLogger.Warn(msg, keyvals...) }
func Error(msg interface{}, keyvals ...interface{}) { defaultLogger.Error(msg, keyvals...) }
func Fatal(msg interface{}, keyvals ...interface{}) { defaultLogger.Fatal(msg, keyvals...) }

func Debugf(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { defaultLogger.Fatalf(format, args...) }
