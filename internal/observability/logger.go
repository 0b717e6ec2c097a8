// Package observability owns the process-wide zap loggers.
package observability

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Worker log rotation limits.
const (
	WorkerLogMaxSizeMB  = 10
	WorkerLogMaxBackups = 2
)

var (
	// CLILogger is the command-line logger. It writes to stderr so that
	// stdout stays free for results and worker events.
	CLILogger = zap.NewNop()

	mu sync.Mutex
)

// Options configures InitCLILogger beyond the service name.
type Options struct {
	Level string

	// Structured selects JSON output instead of the console encoder.
	Structured bool
}

// InitCLILogger replaces CLILogger. verbose forces debug level.
func InitCLILogger(service string, verbose bool, opts ...Options) *zap.Logger {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	level := parseLevel(o.Level)
	if verbose {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(encoder(o.Structured), zapcore.Lock(os.Stderr), level)
	logger := zap.New(core).With(zap.String("service", service))

	mu.Lock()
	CLILogger = logger
	mu.Unlock()
	return logger
}

// NewWorkerLogger returns a logger that writes JSON lines to a rotating
// file at path and mirrors warnings to stderr. The file is made
// world-writable so a host user can read and rotate logs written from a
// container. The returned close function flushes and closes the file.
func NewWorkerLogger(path string, worker int, level string) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, nil, err
	}
	_ = f.Close()
	_ = os.Chmod(path, 0o666)

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    WorkerLogMaxSizeMB,
		MaxBackups: WorkerLogMaxBackups,
	}
	fileCore := zapcore.NewCore(encoder(true), zapcore.AddSync(rotator), zapcore.DebugLevel)
	stderrCore := zapcore.NewCore(encoder(false), zapcore.Lock(os.Stderr), maxLevel(parseLevel(level), zapcore.WarnLevel))

	logger := zap.New(zapcore.NewTee(fileCore, stderrCore)).With(zap.Int("worker", worker))
	closeFn := func() error {
		_ = logger.Sync()
		return rotator.Close()
	}
	return logger, closeFn, nil
}

func encoder(structured bool) zapcore.Encoder {
	if structured {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	return zapcore.NewConsoleEncoder(cfg)
}

func parseLevel(s string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil || s == "" {
		return zapcore.InfoLevel
	}
	return l
}

func maxLevel(a, b zapcore.Level) zapcore.Level {
	if a > b {
		return a
	}
	return b
}
