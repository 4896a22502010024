// Package logging contains the zap backed logger used by every pillarview package.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// Logger is the logging interface handed to every component. It is satisfied by
// a zap SugaredLogger plus a couple of helpers for naming and level control.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Sublogger returns a child logger whose name is "<parent>.<subname>".
	Sublogger(subname string) Logger
	// SetLevel changes the minimum level of this logger and its subloggers.
	SetLevel(level zapcore.Level)
	// AsZap returns the underlying sugared logger.
	AsZap() *zap.SugaredLogger
	Sync() error
}

type impl struct {
	*zap.SugaredLogger
	level zap.AtomicLevel
}

func (l *impl) Sublogger(subname string) Logger {
	return &impl{SugaredLogger: l.SugaredLogger.Named(subname), level: l.level}
}

func (l *impl) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

func (l *impl) AsZap() *zap.SugaredLogger {
	return l.SugaredLogger
}

// NewLoggerConfig returns a new default logger config.
func NewLoggerConfig() zap.Config {
	// from https://github.com/uber-go/zap/blob/2314926ec34c23ee21f3dd4399438469668f8097/config.go#L135
	// but disable stacktraces, use same keys as prod, and color levels.
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		// stdout carries the FPS line, keep logs off it.
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

func newFromConfig(name string, cfg zap.Config) Logger {
	logger, err := cfg.Build()
	if err != nil {
		// the config is static; a build failure means stderr is unusable.
		logger = zap.NewNop()
	}
	return &impl{SugaredLogger: logger.Sugar().Named(name), level: cfg.Level}
}

// NewLogger returns a new logger that outputs Info+ logs.
func NewLogger(name string) Logger {
	return newFromConfig(name, NewLoggerConfig())
}

// NewDebugLogger returns a new logger that outputs Debug+ logs.
func NewDebugLogger(name string) Logger {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	return newFromConfig(name, cfg)
}

// NewTestLogger returns a new logger that outputs Debug+ logs through tb.Log.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	level := zap.NewAtomicLevelAt(zap.DebugLevel)
	testCore := zaptest.NewLogger(tb, zaptest.Level(level)).Core()
	observerCore, observedLogs := observer.New(level)
	logger := zap.New(zapcore.NewTee(testCore, observerCore), zap.AddCaller())
	return &impl{SugaredLogger: logger.Sugar(), level: level}, observedLogs
}
