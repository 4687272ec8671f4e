package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field keys shared across components.
const (
	FieldJobID   = "job_id"
	FieldStage   = "stage"
	FieldTopic   = "topic"
	FieldAttempt = "attempt"
	FieldEventID = "event_id"
)

// New builds a zap logger. Format "auto" picks the console encoder when stdout is a terminal.
func New(level, format, env string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	var cfg zap.Config
	if env == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(format) {
	case "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
	case "", "auto":
		if isatty.IsTerminal(os.Stdout.Fd()) {
			cfg.Encoding = "console"
		} else {
			cfg.Encoding = "json"
		}
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", format)
	}
	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
