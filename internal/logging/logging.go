// Package logging provides the process-wide structured logger: a
// package-level logger reachable without threading a *zap.Logger through
// every call site, plus a verbosity gate (FastV) so hot paths can skip
// formatting work when the configured level wouldn't emit the message
// anyway.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package logging

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Smodule identifies the emitting subsystem for verbosity gating.
type Smodule int32

const (
	SmoduleFabric Smodule = iota
	SmoduleDict
	SmoduleScheduler
	SmoduleDecoder
	SmoduleSink
	numSmodules
)

var (
	once    sync.Once
	sugar   *zap.SugaredLogger
	verbose [numSmodules]atomic.Int32
)

func logger() *zap.SugaredLogger {
	once.Do(func() {
		level := zap.InfoLevel
		if v := os.Getenv("CANP_LOG"); v != "" {
			_ = level.UnmarshalText([]byte(v))
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			l = zap.NewNop()
		}
		sugar = l.Sugar()
	})
	return sugar
}

// SetVerbosity sets the per-module verbosity threshold; FastV(level, m)
// returns true once level <= the configured threshold for m.
func SetVerbosity(m Smodule, level int32) {
	if m < 0 || m >= numSmodules {
		return
	}
	verbose[m].Store(level)
}

// FastV reports whether a log call at the given verbosity level and module
// should proceed, without touching the logger itself. Call sites use it to
// skip Sprintf-heavy lines entirely when the level wouldn't emit anyway.
func FastV(level int32, m Smodule) bool {
	if m < 0 || m >= numSmodules {
		return false
	}
	return verbose[m].Load() >= level
}

func Infof(format string, args ...interface{})    { logger().Infof(format, args...) }
func Warningf(format string, args ...interface{}) { logger().Warnf(format, args...) }
func Errorf(format string, args ...interface{})   { logger().Errorf(format, args...) }
func Infoln(args ...interface{})                  { logger().Infoln(args...) }
func Warningln(args ...interface{})               { logger().Warnln(args...) }
func Errorln(args ...interface{})                 { logger().Errorln(args...) }

// Sync flushes any buffered log entries; call during shutdown.
func Sync() { _ = logger().Sync() }
