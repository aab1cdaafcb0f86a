// Package logging configures the process-wide zap logger.
//
// Diagnostics always go to stderr so they never mix with the log lines dlog
// prints on stdout. A log file can be added as a second sink.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control logger construction.
type Options struct {
	// Verbose lowers the level from warn to debug.
	Verbose bool
	// FilePath, when set, receives a copy of every entry as JSON.
	FilePath string
}

// New builds a logger writing console-formatted entries to stderr and,
// optionally, JSON entries to a file. The returned cleanup syncs and closes
// the file sink.
func New(opts Options) (*zap.Logger, func(), error) {
	level := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if opts.Verbose {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}

	var file *os.File
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", opts.FilePath, err)
		}
		file = f
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			zapcore.DebugLevel,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	cleanup := func() {
		_ = logger.Sync()
		if file != nil {
			_ = file.Close()
		}
	}
	return logger, cleanup, nil
}

// Init builds a logger with New and installs it as zap's global logger, the
// one packages reach through zap.L().
func Init(opts Options) (func(), error) {
	logger, cleanup, err := New(opts)
	if err != nil {
		return nil, err
	}
	restore := zap.ReplaceGlobals(logger)
	return func() {
		cleanup()
		restore()
	}, nil
}
