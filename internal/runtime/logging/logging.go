// Package logging is the structured logging contract of the runtime. One
// ServiceLogger is shared by the runtime and by every watermill publisher and
// subscriber of a process, so transport logs carry the same shard, replica and
// component fields as the runtime's own.
package logging

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract used throughout the runtime.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Field names shared by every process role.
const (
	FieldRole       = "role"
	FieldPid        = "pid"
	FieldShard      = "shard"
	FieldReplica    = "replica"
	FieldComponent  = "component"
	FieldInstanceID = "instance_id"
)

// ForProcess scopes logger to one process role such as "master" or "broker".
func ForProcess(logger ServiceLogger, role string) ServiceLogger {
	return logger.With(LogFields{FieldRole: role, FieldPid: os.Getpid()})
}

// ForWorker scopes logger to one replica of a shard.
func ForWorker(logger ServiceLogger, shard string, replica int) ServiceLogger {
	return logger.With(LogFields{FieldShard: shard, FieldReplica: replica, FieldPid: os.Getpid()})
}

// ForComponent scopes logger to one component instance.
func ForComponent(logger ServiceLogger, name, instanceID string) ServiceLogger {
	return logger.With(LogFields{FieldComponent: name, FieldInstanceID: instanceID})
}

// levelTrace is the slog level watermill logs Trace at.
const levelTrace = slog.LevelDebug - 4

// Trace is folded into debug so the debug toggle shows transport traces too.
var slogLevels = map[slog.Level]slog.Level{
	levelTrace: slog.LevelDebug,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("rflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("rflow: watermill logger cannot be nil")
	}
	return adapterLogger{inner: logger}
}

// NewNopServiceLogger discards everything.
func NewNopServiceLogger() ServiceLogger {
	return adapterLogger{inner: watermill.NopLogger{}}
}

// adapterLogger is a ServiceLogger backed by a watermill LoggerAdapter.
type adapterLogger struct {
	inner watermill.LoggerAdapter
}

func (a adapterLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return a
	}
	return adapterLogger{inner: a.inner.With(watermill.LogFields(fields))}
}

func (a adapterLogger) Debug(msg string, fields LogFields) { a.inner.Debug(msg, watermillFields(fields)) }
func (a adapterLogger) Info(msg string, fields LogFields)  { a.inner.Info(msg, watermillFields(fields)) }
func (a adapterLogger) Trace(msg string, fields LogFields) { a.inner.Trace(msg, watermillFields(fields)) }

func (a adapterLogger) Error(msg string, err error, fields LogFields) {
	a.inner.Error(msg, err, watermillFields(fields))
}

// NewWatermillAdapter hands a ServiceLogger to watermill publishers and
// subscribers.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("rflow: ServiceLogger cannot be nil")
	}
	if a, ok := log.(adapterLogger); ok {
		return a.inner
	}
	return serviceAdapter{base: log}
}

// serviceAdapter is a watermill LoggerAdapter backed by a ServiceLogger.
type serviceAdapter struct {
	base ServiceLogger
}

func (s serviceAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, LogFields(fields))
}
func (s serviceAdapter) Info(msg string, fields watermill.LogFields)  { s.base.Info(msg, LogFields(fields)) }
func (s serviceAdapter) Debug(msg string, fields watermill.LogFields) { s.base.Debug(msg, LogFields(fields)) }
func (s serviceAdapter) Trace(msg string, fields watermill.LogFields) { s.base.Trace(msg, LogFields(fields)) }

func (s serviceAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return serviceAdapter{base: s.base.With(LogFields(fields))}
}

func watermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}
