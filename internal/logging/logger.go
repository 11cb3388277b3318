// Package logging provides the debug logger shared by colony components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes timestamped debug lines to a log file. It keeps the
// printf-style call sites of a simple file logger while using zap
// underneath, so components can attach structured fields with With.
type Logger struct {
	sugar *zap.SugaredLogger
	file  *os.File
}

// Options configures New.
type Options struct {
	// Path is the log file. Empty disables file output.
	Path string
	// Level is debug, info, warn or error. Defaults to info.
	Level string
	// Stderr additionally writes to standard error.
	Stderr bool
}

// New creates a logger from options. Parent directories of the log file
// are created when missing.
func New(opts Options) (*Logger, error) {
	level, err := zapcore.ParseLevel(defaultString(opts.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encCfg.EncodeCaller = nil
	encCfg.CallerKey = ""
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core
	var file *os.File
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err = os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(file), level))
	}
	if opts.Stderr {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}
	if len(cores) == 0 {
		return Nop(), nil
	}

	l := &Logger{sugar: zap.New(zapcore.NewTee(cores...)).Sugar(), file: file}
	l.Infof("=== colony log started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// NewForRepo creates a logger in the project's data directory
// (<dataDir>/logs/colony-debug.log). Returns a no-op logger if the file
// cannot be opened.
func NewForRepo(dataDir, level string) *Logger {
	l, err := New(Options{Path: filepath.Join(dataDir, "logs", "colony-debug.log"), Level: level})
	if err != nil {
		return Nop()
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// Log writes a debug-level message.
func (l *Logger) Log(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{sugar: l.sugar.With(keysAndValues...)}
}

// Named returns a child logger with a component name.
func (l *Logger) Named(name string) *Logger {
	if l == nil {
		return Nop()
	}
	return &Logger{sugar: l.sugar.Named(name)}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.sugar.Desugar()
}

// Close flushes and closes the log file. Child loggers share the parent's
// file and must not be closed.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.sugar.Sync()
	return l.file.Close()
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
