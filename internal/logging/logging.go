// Package logging builds the zap logger used by every switchyard component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and destination.
type Config struct {
	// Level is debug, info, warn or error. Empty means info.
	Level string `toml:"level"`
	// File, when set, receives the log through a rotating writer instead of
	// stderr.
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// New returns a logger for cfg together with its level, which can be changed
// at runtime. The returned closer flushes and closes the log file, if any.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, io.Closer, error) {
	level := zap.NewAtomicLevel()
	l, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, level, nil, err
	}
	level.SetLevel(l)

	if cfg.File == "" {
		return newLogger(zapcore.Lock(os.Stderr), level), level, nopCloser{}, nil
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return newLogger(zapcore.AddSync(lj), level), level, lj, nil
}

func newLogger(w zapcore.WriteSyncer, level zap.AtomicLevel) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		LineEnding:     zapcore.DefaultLineEnding,
	}), w, level)

	return zap.New(core)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
