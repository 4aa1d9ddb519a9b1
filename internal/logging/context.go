package logging

import (
	"context"
	"log/slog"

	"envtrack/internal/requestctx"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldActor is the standardized structured logging key for the acting user or station.
	FieldActor = "actor"
	// FieldClientIP is the standardized structured logging key for the network origin.
	FieldClientIP = "client_ip"
	// FieldEnvelopeKey is the standardized structured logging key for envelope keys.
	FieldEnvelopeKey = "envelope_key"
	// FieldImageID is the standardized structured logging key for note image identifiers.
	FieldImageID = "image_id"
	// FieldOperation is the standardized structured logging key for transition operation tags.
	FieldOperation = "operation"
	// FieldErrorCode is the standardized structured logging key for business error codes.
	FieldErrorCode = "error_code"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if rid, ok := requestctx.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	if actor, ok := requestctx.ActorFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldActor, actor))
	}
	if ip, ok := requestctx.ClientIPFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldClientIP, ip))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
