package observability

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/pulse/internal/config"
	"github.com/pitabwire/pulse/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (durable store down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), delivery failures, dropped sync records, sync breaker open
//   - info:  Connection lifecycle, authentication, stage transitions, session eviction
//   - debug: Inbound frames (see RedactFrame), per-delivery details, durable upserts
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// ConnectionLogger returns a logger scoped to an observer connection.
func ConnectionLogger(logger *zap.Logger, connectionID, tenantID string) *zap.Logger {
	fields := []zap.Field{zap.String("connection_id", connectionID)}
	if tenantID != "" {
		fields = append(fields, zap.String("tenant_id", tenantID))
	}
	return logger.With(fields...)
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// redactedFields are replaced before a frame is logged.
var redactedFields = map[string]bool{
	"token":         true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"api_key":       true,
}

// RedactFrame decodes a JSON object frame for debug logging with credential
// fields, at any depth, replaced by "[REDACTED]". It returns nil when data
// is not a JSON object.
func RedactFrame(data []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil
	}
	return redact(body)
}

func redact(body map[string]any) map[string]any {
	for k, v := range body {
		if redactedFields[strings.ToLower(k)] {
			body[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			redact(nested)
		}
	}
	return body
}
