package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *zap.Logger
}

// New creates a JSON logger for the given service at LOG_LEVEL (default info)
func New(service string) *Logger {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = zapcore.InfoLevel
	}
	return NewWithCore(service, newJSONCore(level))
}

// NewWithCore creates a logger writing to the given zap core
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{
		service: service,
		base:    zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)),
	}
}

func newJSONCore(level zapcore.Level) zapcore.Core {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(os.Stdout), level)
}

// ParseLevel maps a level name to a zap level; empty means info
func ParseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

// Zap exposes the underlying zap logger for libraries that want one
func (l *Logger) Zap() *zap.Logger {
	return l.base.With(zap.String("service", l.service))
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// LogEntry accumulates fields for a single log line
type LogEntry struct {
	logger *Logger
	fields []zap.Field
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		logger: l,
		fields: []zap.Field{zap.String("service", l.service)},
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.fields = append(e.fields, zap.String("trace_id", traceID))
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.fields = append(e.fields, zap.String("delivery_id", deliveryID))
	return e
}

// WithSubscription sets the subscription ID for the log entry
func (e *LogEntry) WithSubscription(subscriptionID int64) *LogEntry {
	e.fields = append(e.fields, zap.Int64("subscription_id", subscriptionID))
	return e
}

// WithAttempt sets the attempt number for the log entry
func (e *LogEntry) WithAttempt(attempt int) *LogEntry {
	e.fields = append(e.fields, zap.Int("attempt", attempt))
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, zap.Any(k, v))
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.fields = append(e.fields, zap.Error(err))
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.logger.base.Debug(message, e.fields...) }

func (e *LogEntry) Debugf(format string, args ...any) { e.Debug(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.logger.base.Info(message, e.fields...) }

func (e *LogEntry) Infof(format string, args ...any) { e.Info(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.logger.base.Warn(message, e.fields...) }

func (e *LogEntry) Warnf(format string, args ...any) { e.Warn(fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.logger.base.Error(message, e.fields...) }

func (e *LogEntry) Errorf(format string, args ...any) { e.Error(fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.logger.base.Fatal(message, e.fields...) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.Fatal(fmt.Sprintf(format, args...)) }

// Global convenience functions

var defaultLogger = New("hookrelay")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
