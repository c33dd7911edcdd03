// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI commands. It is a no-op logger until
// InitCLILogger or ConfigureCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger writing to stderr at info level,
// or debug level when verbose is set.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	if err := ConfigureCLILogger(name, level, "console"); err != nil {
		// Level and format are fixed above, so this cannot fail in practice.
		CLILogger = zap.NewNop()
	}
}

// ConfigureCLILogger installs a logger with the given level
// (debug|info|warn|error) and format (console|json).
func ConfigureCLILogger(name, level, format string) error {
	logger, err := NewLogger(level, format)
	if err != nil {
		return err
	}
	if name != "" {
		logger = logger.Named(name)
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a stderr logger. Console output omits the caller and
// stack traces so CLI messages stay readable.
func NewLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.CallerKey = ""
		cfg.StacktraceKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	case "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl))
	return zap.New(core), nil
}

// Sync flushes the CLI logger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}
