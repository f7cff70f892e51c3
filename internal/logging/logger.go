package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"memdiag/internal/config"
)

type Logger struct {
	*slog.Logger
	config *config.LoggingConfig
}

type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	ComponentKey     ContextKey = "component"
)

// NewLogger creates a new structured logger using slog
func NewLogger(cfg *config.LoggingConfig) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		if cfg.Output != "" {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err == nil {
				writer = file
			} else {
				writer = os.Stdout
				slog.Warn("Failed to open log file, using stdout", "error", err, "file", cfg.Output)
			}
		} else {
			writer = os.Stdout
		}
	}

	handler := newHandler(writer, cfg.Format, level)
	logger := slog.New(handler)

	return &Logger{
		Logger: logger,
		config: cfg,
	}
}

// NewRotatingLogger creates a logger writing to a dedicated size/age-rotated
// file under the configured log directory. The diagnostics monitor uses this
// sink so its sampling output stays out of the application's general log.
func NewRotatingLogger(cfg *config.LoggingConfig, filename string) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Directory, filename),
		MaxSize:    cfg.RotateSizeMB,
		MaxBackups: cfg.RotateBackups,
		MaxAge:     cfg.RotateAgeDays,
		Compress:   false,
	}

	handler := newHandler(writer, cfg.Format, level)

	return &Logger{
		Logger: slog.New(handler),
		config: cfg,
	}
}

func newHandler(writer io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Customize timestamp format
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	switch format {
	case "text", "console":
		return slog.NewTextHandler(writer, opts)
	default:
		// Default to JSON for production
		return slog.NewJSONHandler(writer, opts)
	}
}

// WithContext creates a new logger with context values
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		logger = logger.With("correlation_id", correlationID)
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if component := ctx.Value(ComponentKey); component != nil {
		logger = logger.With("component", component)
	}

	return &Logger{
		Logger: logger,
		config: l.config,
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	var args []interface{}
	for key, value := range fields {
		args = append(args, key, value)
	}

	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
	}
}

// WithField creates a new logger with a single additional field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(key, value),
		config: l.config,
	}
}

// WithError creates a new logger with an error field
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
		config: l.config,
	}
}

// WithComponent creates a new logger tagged with an analyzer component name
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		config: l.config,
	}
}

// RequestStart logs the start of a request
func (l *Logger) RequestStart(ctx context.Context, method, path, userAgent string) {
	l.WithContext(ctx).Info("Request started",
		"method", method,
		"path", path,
		"user_agent", userAgent,
	)
}

// RequestEnd logs the end of a request
func (l *Logger) RequestEnd(ctx context.Context, method, path string, statusCode int, duration time.Duration, size int64) {
	level := slog.LevelInfo
	if statusCode >= 400 && statusCode < 500 {
		level = slog.LevelWarn
	} else if statusCode >= 500 {
		level = slog.LevelError
	}

	l.WithContext(ctx).Log(ctx, level, "Request completed",
		"method", method,
		"path", path,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"response_size", size,
	)
}

// AnalyzerTick logs a completed analyzer poll cycle
func (l *Logger) AnalyzerTick(component string, duration time.Duration, details map[string]interface{}) {
	args := []interface{}{
		"component", component,
		"duration_ms", duration.Milliseconds(),
	}
	for key, value := range details {
		args = append(args, key, value)
	}

	l.Debug("Analyzer tick completed", args...)
}

// AnalyzerError logs a tick that failed but did not stop the poll loop
func (l *Logger) AnalyzerError(component string, err error) {
	l.Error("Analyzer tick failed",
		"component", component,
		"error", err.Error(),
	)
}

// MemoryEvent logs a detected memory event at a severity-mapped level
func (l *Logger) MemoryEvent(event, severity string, details map[string]interface{}) {
	args := []interface{}{
		"event", event,
		"severity", severity,
	}
	for key, value := range details {
		args = append(args, key, value)
	}

	var level slog.Level
	switch severity {
	case "low", "info":
		level = slog.LevelInfo
	case "medium":
		level = slog.LevelWarn
	case "high", "critical":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	l.Log(context.Background(), level, "Memory event", args...)
}
