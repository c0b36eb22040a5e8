// Package logging provides the logger abstraction shared by the producer, the
// consumer and the Watermill components they embed.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract used across predictflow. It maps onto
// Watermill's logging needs so any backend can be plugged in.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// EntryLoggerAdapter captures the capabilities required by
// NewEntryServiceLogger. *logrus.Entry satisfies EntryLoggerAdapter[*logrus.Entry].
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// Supported output formats for New.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatLogrus = "logrus"
)

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// New builds a ServiceLogger writing to w. Format "json" and "text" use slog
// through Watermill's slog adapter; "logrus" emits logrus JSON entries.
func New(format, level string, w io.Writer) (ServiceLogger, error) {
	if w == nil {
		return nil, fmt.Errorf("logging: writer is required")
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON, FormatText:
		lvl, err := parseSlogLevel(level)
		if err != nil {
			return nil, err
		}
		opts := &slog.HandlerOptions{Level: lvl}
		var handler slog.Handler = slog.NewJSONHandler(w, opts)
		if strings.EqualFold(format, FormatText) {
			handler = slog.NewTextHandler(w, opts)
		}
		return NewSlogServiceLogger(slog.New(handler)), nil
	case FormatLogrus:
		lvl, err := logrus.ParseLevel(levelOrDefault(level))
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		base := logrus.New()
		base.SetOutput(w)
		base.SetFormatter(&logrus.JSONFormatter{})
		base.SetLevel(lvl)
		return NewEntryServiceLogger(logrus.NewEntry(base)), nil
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}
}

func levelOrDefault(level string) string {
	if strings.TrimSpace(level) == "" {
		return "info"
	}
	return level
}

func parseSlogLevel(level string) (slog.Level, error) {
	// slog has no trace level; Watermill defines one below debug.
	if strings.EqualFold(strings.TrimSpace(level), "trace") {
		return watermill.LevelTrace, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(levelOrDefault(level))); err != nil {
		return 0, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	return lvl, nil
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("predictflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("predictflow: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NewEntryServiceLogger wraps an entry-style logger such as *logrus.Entry.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("predictflow: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

// Discard returns a logger that drops everything. Used as a default in tests
// and library entry points where no logger was supplied.
func Discard() ServiceLogger {
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: applyEntryFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	logger := applyEntryFields(e.entry, fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
}

func (e *entryServiceLogger[T]) Trace(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Trace(msg)
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(toWatermillFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermillFields(fields))
}

type serviceLoggerAdapter struct {
	base ServiceLogger
}

// NewWatermillAdapter converts a ServiceLogger into a Watermill LoggerAdapter
// for publishers and middleware.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("predictflow: ServiceLogger cannot be nil")
	}
	return &serviceLoggerAdapter{base: log}
}

func (s *serviceLoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	s.base.Error(msg, err, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Info(msg string, fields watermill.LogFields) {
	s.base.Info(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	s.base.Debug(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	s.base.Trace(msg, fromWatermillFields(fields))
}

func (s *serviceLoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &serviceLoggerAdapter{base: s.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}

func applyEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	if len(fields) == 0 || any(entry) == nil {
		return entry
	}
	enriched := entry
	for key, value := range fields {
		enriched = enriched.WithField(key, value)
	}
	return enriched
}
