package logutil

import (
    "fmt"
    "os"
    "sync/atomic"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("AUTOCLUSTER_LOG_JSON") == "1" || os.Getenv("AUTOCLUSTER_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON forces JSON encoding for loggers built by New afterwards.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// JSON reports whether JSON encoding is active.
func JSON() bool { return jsonMode.Load() }

// New builds the process logger. Encoding is JSON when SetJSON(true) was called
// or the environment asks for it, console otherwise.
func New(level string) (*zap.Logger, error) {
    var lvl zapcore.Level
    if level == "" { level = "info" }
    if err := lvl.UnmarshalText([]byte(level)); err != nil {
        return nil, fmt.Errorf("logutil: invalid level %q: %w", level, err)
    }
    encoderConf := zapcore.EncoderConfig{
        TimeKey:        "ts",
        LevelKey:       "level",
        NameKey:        "logger",
        CallerKey:      "caller",
        MessageKey:     "msg",
        StacktraceKey:  "stacktrace",
        LineEnding:     zapcore.DefaultLineEnding,
        EncodeLevel:    zapcore.LowercaseLevelEncoder,
        EncodeTime:     zapcore.ISO8601TimeEncoder,
        EncodeDuration: zapcore.StringDurationEncoder,
        EncodeCaller:   zapcore.ShortCallerEncoder,
    }
    encoding := "console"
    if jsonMode.Load() {
        encoding = "json"
    } else {
        encoderConf.EncodeLevel = zapcore.CapitalLevelEncoder
    }
    conf := zap.Config{
        Level:            zap.NewAtomicLevelAt(lvl),
        Encoding:         encoding,
        EncoderConfig:    encoderConf,
        OutputPaths:      []string{"stdout"},
        ErrorOutputPaths: []string{"stderr"},
    }
    return conf.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
    if l == nil { return zap.NewNop() }
    return l
}

func Infof(l *zap.Logger, f string, args ...any)  { OrNop(l).WithOptions(zap.AddCallerSkip(1)).Sugar().Infof(f, args...) }
func Warnf(l *zap.Logger, f string, args ...any)  { OrNop(l).WithOptions(zap.AddCallerSkip(1)).Sugar().Warnf(f, args...) }
func Errorf(l *zap.Logger, f string, args ...any) { OrNop(l).WithOptions(zap.AddCallerSkip(1)).Sugar().Errorf(f, args...) }
