// Package observability owns the process loggers.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger is used for command output. Initialized by InitCLILogger.
	CLILogger *zap.Logger

	// ServerLogger is used by the agent and the status server.
	ServerLogger *zap.Logger
)

// InitCLILogger sets CLILogger to a console logger at info level, or debug
// when verbose is set.
func InitCLILogger(service string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(service, level, ProfileConsole)
	if err != nil {
		logger = zap.NewNop()
	}
	CLILogger = logger
}

// InitServerLogger sets ServerLogger from the logging config.
func InitServerLogger(service, level, profile string) error {
	logger, err := NewLogger(service, level, profile)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// NewLogger builds a zap logger. Profile "structured" emits JSON and
// "console" emits human-readable lines.
func NewLogger(service, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(profile) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = ""
		cfg.EncoderConfig.CallerKey = ""
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger, nil
}

// Named returns ServerLogger (or a no-op logger) scoped to name.
func Named(name string) *zap.Logger {
	if ServerLogger == nil {
		return zap.NewNop().Named(name)
	}
	return ServerLogger.Named(name)
}
