// Package observability owns the process loggers. Until Init runs both
// loggers are no-ops, so packages can hold them at construction time.
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
	// CLILogger is for command output paths (version, one-shot commands).
	CLILogger = zap.NewNop()

	// ServerLogger is for the long-running serve and worker processes.
	ServerLogger = zap.NewNop()
)

// Init builds both loggers from the configured level and profile.
func Init(level, profile string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(profile) {
	case ProfileStructured, "":
		cfg = zap.NewProductionConfig()
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return fmt.Errorf("unknown logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	server, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	ServerLogger = server
	CLILogger = server.WithOptions(zap.WithCaller(false))
	return nil
}

// Sync flushes buffered log entries. Safe to call on no-op loggers.
func Sync() {
	_ = ServerLogger.Sync()
	_ = CLILogger.Sync()
}
