// Package structlog emits JSON logs with correlation IDs and masking of
// sensitive field values.
package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ctxKeyCorrID keys the correlation ID in a context
type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger provides structured logging with correlation ID support
type Logger struct {
	service   string
	level     atomic.Int32
	mu        sync.Mutex
	output    io.Writer
	fields    Fields // base fields for all logs
	sanitizer *Sanitizer
}

// Sanitizer masks sensitive values by field name
type Sanitizer struct {
	sensitive []string
}

// NewSanitizer creates a log sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		sensitive: []string{
			"password",
			"secret",
			"token",
			"apikey",
			"authorization",
			"passphrase",
		},
	}
}

// Sanitize masks sensitive fields
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		cleaned[k] = v
		lower := strings.ToLower(k)
		for _, pattern := range s.sensitive {
			if strings.Contains(lower, pattern) {
				cleaned[k] = "MASKED"
				break
			}
		}
	}
	return cleaned
}

// NewLogger creates a structured logger for a service
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	l := &Logger{
		service:   serviceName,
		output:    output,
		fields:    Fields{},
		sanitizer: NewSanitizer(),
	}
	l.level.Store(int32(level))
	return l
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	child := &Logger{
		service:   l.service,
		output:    l.output,
		sanitizer: l.sanitizer,
		fields:    make(Fields, len(l.fields)+len(fields)),
	}
	child.level.Store(l.level.Load())
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithContext extracts correlation ID from context and adds it to the logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

// Debug logs debug message
func (l *Logger) Debug(message string, fields Fields) {
	l.log(LevelDebug, message, fields)
}

// Info logs info message
func (l *Logger) Info(message string, fields Fields) {
	l.log(LevelInfo, message, fields)
}

// Warn logs warning message
func (l *Logger) Warn(message string, fields Fields) {
	l.log(LevelWarn, message, fields)
}

// Error logs error message
func (l *Logger) Error(message string, fields Fields) {
	l.log(LevelError, message, fields)
}

// Fatal logs fatal message and exits
func (l *Logger) Fatal(message string, fields Fields) {
	l.log(LevelFatal, message, fields)
	os.Exit(1)
}

// SecurityEvent logs a security event with a special marker
func (l *Logger) SecurityEvent(event string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "security"
	fields["security_event"] = event
	l.log(LevelWarn, fmt.Sprintf("SECURITY: %s", event), fields)
}

// AuditLog logs an audit trail entry
func (l *Logger) AuditLog(action string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "audit"
	fields["audit_action"] = action
	l.log(LevelInfo, fmt.Sprintf("AUDIT: %s", action), fields)
}

// log is the core logging function
func (l *Logger) log(level Level, message string, fields Fields) {
	if int32(level) < l.level.Load() {
		return
	}

	allFields := make(Fields, len(l.fields)+len(fields)+5)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}

	allFields["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	allFields["level"] = level.String()
	allFields["service"] = l.service
	allFields["message"] = message

	// Add caller info for errors
	if level >= LevelError {
		if pc, file, line, ok := runtime.Caller(2); ok {
			allFields["caller"] = fmt.Sprintf("%s:%d", file, line)
			if fn := runtime.FuncForPC(pc); fn != nil {
				allFields["function"] = fn.Name()
			}
		}
	}

	allFields = l.sanitizer.Sanitize(allFields)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(allFields); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes log level
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// GetLevel returns current log level
func (l *Logger) GetLevel() Level {
	return Level(l.level.Load())
}

// Correlation ID helpers

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.NewString()
}

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}

// GetOrCreateCorrelationID gets existing or creates new correlation ID
func GetOrCreateCorrelationID(ctx context.Context) (context.Context, string) {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return ctx, corrID
	}
	corrID := NewCorrelationID()
	return ContextWithCorrelationID(ctx, corrID), corrID
}

// Global logger instance (can be replaced)
var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewLogger("default", LevelInfo, os.Stdout))
}

// Package-level convenience functions

func Debug(message string, fields Fields) {
	defaultLogger.Load().Debug(message, fields)
}

func Info(message string, fields Fields) {
	defaultLogger.Load().Info(message, fields)
}

func Warn(message string, fields Fields) {
	defaultLogger.Load().Warn(message, fields)
}

func Error(message string, fields Fields) {
	defaultLogger.Load().Error(message, fields)
}

func Fatal(message string, fields Fields) {
	defaultLogger.Load().Fatal(message, fields)
}

func SecurityEvent(event string, fields Fields) {
	defaultLogger.Load().SecurityEvent(event, fields)
}

func AuditLog(action string, fields Fields) {
	defaultLogger.Load().AuditLog(action, fields)
}

// SetDefaultLogger replaces the global logger
func SetDefaultLogger(logger *Logger) {
	defaultLogger.Store(logger)
}
