package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and the optional log file.
type Config struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB  int `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
}

var defaultLogger = zap.New(zapcore.NewCore(
	zapcore.NewJSONEncoder(encoderConfig()),
	zapcore.Lock(os.Stderr),
	zap.InfoLevel,
))

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:     "message",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "name",
		CallerKey:      "caller",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return zap.InfoLevel, nil
	case "debug":
		return zap.DebugLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	}
	return zap.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing JSON lines to stderr and, when cfg.Path is
// set, to a rotated file.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if cfg.Path != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
		}))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.NewMultiWriteSyncer(sinks...),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core), nil
}

// Init replaces the process logger.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultLogger.Sync()
	defaultLogger = l
	return nil
}

// L returns the process logger, for components that want a named child.
func L() *zap.Logger {
	return defaultLogger
}

func Sync() {
	defaultLogger.Sync()
}

func Debug(s string, f ...zap.Field) {
	defaultLogger.Debug(s, f...)
}

func Info(s string, f ...zap.Field) {
	defaultLogger.Info(s, f...)
}

func Warn(s string, f ...zap.Field) {
	defaultLogger.Warn(s, f...)
}

func Error(s string, f ...zap.Field) {
	defaultLogger.Error(s, f...)
}
