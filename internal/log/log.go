package log

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ContextKey represents a key for context values.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"
	// TenantIDKey is the context key for tenant IDs.
	TenantIDKey ContextKey = "tenant_id"
)

// Logger wraps zerolog.Logger with additional functionality.
type Logger struct {
	zerolog.Logger
}

// Init initializes the logging system.
func Init(level string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	logLevel := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn", "warning":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	case "fatal":
		logLevel = zerolog.FatalLevel
	case "panic":
		logLevel = zerolog.PanicLevel
	case "disabled":
		logLevel = zerolog.Disabled
	}

	if isDevMode() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		zerolog.SetGlobalLevel(logLevel)
		log.Logger = log.Output(output)
	} else {
		zerolog.SetGlobalLevel(logLevel)
	}

	return &Logger{Logger: log.Logger}
}

// WithContext returns a logger enriched with request/tenant ids carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		logger = logger.With().Str("request_id", reqID.(string)).Logger()
	}
	if tenantID := ctx.Value(TenantIDKey); tenantID != nil {
		logger = logger.With().Str("tenant_id", tenantID.(string)).Logger()
	}

	return &Logger{Logger: logger}
}

// WithTenant adds tenant information to the logger.
func (l *Logger) WithTenant(tenantID string) *Logger {
	return &Logger{Logger: l.With().Str("tenant_id", tenantID).Logger()}
}

// WithComponent adds component information to the logger.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

// WithRequest adds request information to the logger.
func (l *Logger) WithRequest(requestID string) *Logger {
	return &Logger{Logger: l.With().Str("request_id", requestID).Logger()}
}

// WithFields adds multiple fields to the logger.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	logger := l.Logger
	for k, v := range fields {
		logger = logger.With().Interface(k, v).Logger()
	}
	return &Logger{Logger: logger}
}

// LogAPICall logs an external API call against helpdesk or provider REST.
func (l *Logger) LogAPICall(service, method, endpoint string, statusCode int, duration time.Duration) {
	event := l.Info()
	if statusCode >= 400 {
		event = l.Warn()
	}
	event.
		Str("service", service).
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("api call")
}

// LogDropped logs an event dropped by the reconciliation processor with its reason tag.
func (l *Logger) LogDropped(subject, reason string, fields map[string]interface{}) {
	event := l.Warn().Str("subject", subject).Str("reason", reason)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("event dropped")
}

// isDevMode checks if we're in development mode.
func isDevMode() bool {
	env := strings.ToLower(os.Getenv("GO_ENV"))
	return env == "development" || env == "dev" || env == ""
}

// GlobalLogger is the process-wide logger instance.
var GlobalLogger *Logger

// SetGlobalLogger sets the global logger instance.
func SetGlobalLogger(logger *Logger) {
	GlobalLogger = logger
}

// FromContext returns a logger with context information, initializing the
// global logger on first use.
func FromContext(ctx context.Context) *Logger {
	if GlobalLogger == nil {
		GlobalLogger = Init("info")
	}
	return GlobalLogger.WithContext(ctx)
}

// Info logs an info message via the global logger.
func Info() *zerolog.Event {
	if GlobalLogger == nil {
		GlobalLogger = Init("info")
	}
	return GlobalLogger.Info()
}

// Error logs an error message via the global logger.
func Error() *zerolog.Event {
	if GlobalLogger == nil {
		GlobalLogger = Init("info")
	}
	return GlobalLogger.Error()
}

// Debug logs a debug message via the global logger.
func Debug() *zerolog.Event {
	if GlobalLogger == nil {
		GlobalLogger = Init("info")
	}
	return GlobalLogger.Debug()
}

// Warn logs a warning message via the global logger.
func Warn() *zerolog.Event {
	if GlobalLogger == nil {
		GlobalLogger = Init("info")
	}
	return GlobalLogger.Warn()
}
