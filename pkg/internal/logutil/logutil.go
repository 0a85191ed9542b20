package logutil

import (
    "log"
    "os"
    "sync/atomic"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("GROUP_LOG_JSON") == "1" || os.Getenv("GROUP_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON switches New between the production (JSON) and development (console) encoders.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New builds a zap logger honoring the JSON switch. Falls back to a no-op logger
// when the configuration cannot be built (e.g. stderr unavailable).
func New(debug bool) *zap.Logger {
    var cfg zap.Config
    if jsonMode.Load() {
        cfg = zap.NewProductionConfig()
    } else {
        cfg = zap.NewDevelopmentConfig()
        cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
    }
    if debug {
        cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
    } else {
        cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
    }
    l, err := cfg.Build()
    if err != nil { return zap.NewNop() }
    return l
}

// StdLogger bridges a zap logger to *log.Logger for libraries (memberlist) that want one.
func StdLogger(l *zap.Logger, name string) *log.Logger {
    if l == nil { l = zap.L() }
    return zap.NewStdLog(l.Named(name))
}

func Debugf(l *zap.Logger, f string, args ...any) { orGlobal(l).Sugar().Debugf(f, args...) }
func Infof(l *zap.Logger, f string, args ...any)  { orGlobal(l).Sugar().Infof(f, args...) }
func Warnf(l *zap.Logger, f string, args ...any)  { orGlobal(l).Sugar().Warnf(f, args...) }
func Errorf(l *zap.Logger, f string, args ...any) { orGlobal(l).Sugar().Errorf(f, args...) }

func orGlobal(l *zap.Logger) *zap.Logger {
    if l == nil { return zap.L() }
    return l.WithOptions(zap.AddCallerSkip(1))
}
