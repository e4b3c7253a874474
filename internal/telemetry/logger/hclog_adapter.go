package logger

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter satisfies hclog.Logger by delegating every call to a Logger,
// so that hashicorp/raft's internal logging flows through the same
// slog-backed sink and redaction hook as the rest of the process instead of
// opening its own independent log stream.
type HCLogAdapter struct {
	l    Logger
	name string
}

// NewHCLogAdapter wraps l for consumption by components that require
// hclog.Logger, such as raft.Config.Logger.
func NewHCLogAdapter(l Logger, name string) hclog.Logger {
	return &HCLogAdapter{l: l, name: name}
}

func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		a.l.Debug(msg, args...)
	case hclog.Warn:
		a.l.Warn(msg, args...)
	case hclog.Error:
		a.l.Error(msg, args...)
	default:
		a.l.Info(msg, args...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...interface{}) { a.l.Debug(msg, args...) }
func (a *HCLogAdapter) Debug(msg string, args ...interface{}) { a.l.Debug(msg, args...) }
func (a *HCLogAdapter) Info(msg string, args ...interface{})  { a.l.Info(msg, args...) }
func (a *HCLogAdapter) Warn(msg string, args ...interface{})  { a.l.Warn(msg, args...) }
func (a *HCLogAdapter) Error(msg string, args ...interface{}) { a.l.Error(msg, args...) }

func (a *HCLogAdapter) IsTrace() bool { return GetLevel() == "debug" }
func (a *HCLogAdapter) IsDebug() bool { return GetLevel() == "debug" }
func (a *HCLogAdapter) IsInfo() bool  { return true }
func (a *HCLogAdapter) IsWarn() bool  { return true }
func (a *HCLogAdapter) IsError() bool { return true }

func (a *HCLogAdapter) ImpliedArgs() []interface{} { return nil }

func (a *HCLogAdapter) With(args ...interface{}) hclog.Logger {
	return &HCLogAdapter{l: a.l.With(args...), name: a.name}
}

func (a *HCLogAdapter) Name() string { return a.name }

func (a *HCLogAdapter) Named(name string) hclog.Logger {
	child := name
	if a.name != "" {
		child = a.name + "." + name
	}
	return &HCLogAdapter{l: a.l, name: child}
}

func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{l: a.l, name: name}
}

func (a *HCLogAdapter) SetLevel(hclog.Level) {}

func (a *HCLogAdapter) GetLevel() hclog.Level { return hclog.Info }

func (a *HCLogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (a *HCLogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
