package logging

import (
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// #region config
// Config selects the level, encoding and destination of the process logger.
type Config struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // json | console
	Output string `koanf:"output"` // stderr | stdout | file path
}

// DefaultConfig logs JSON at info to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", Output: "stderr"}
}

// Validate checks the level and format.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logging level: %w", err)
	}
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	return nil
}

// #endregion config

// #region logger
// New builds a zap logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, _ := zapcore.ParseLevel(cfg.Level)
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// newEncoder creates JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// Sync flushes l, ignoring the harmless errors returned for stdout and stderr.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	if err != nil && isStdoutSyncError(err) {
		return nil
	}
	return err
}

// On Linux, syncing stdout/stderr returns EINVAL or ENOTTY.
func isStdoutSyncError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTTY
	}
	return false
}

// #endregion logger
