package observability

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/model"
)

type loggerKey struct{}

// Redacted replaces masked values in debug output.
const Redacted = "[REDACTED]"

// NewLogger builds the process logger. Output goes to stdout as JSON unless
// cfg.LogFormat asks for console output. An unknown level falls back to info.
//
// Levels:
//   - error: store or catalog failures, recovered panics, 5xx responses
//   - warn:  rejected requests, version conflicts, timeline emit failures
//   - info:  requests, stage moves, auto-returns, catalog reloads
//   - debug: catalog cache hits, calculation inputs, rule evaluation
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "msg"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	encoding := "json"
	if cfg.LogFormat == "console" {
		encoding = "console"
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zc := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         encoding,
		EncoderConfig:    enc,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]any{"service": "dealflow", "version": Version},
	}
	return zc.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// RequestLogger returns the context logger tagged with the caller's tenant,
// subject and request identifiers.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	return logger.With(callerFields(rctx)...)
}

// DealLogger is RequestLogger with the tenant and deal pinned. Service code
// runs outside HTTP too, so the tenant is always set from the argument.
func DealLogger(ctx context.Context, fallback *zap.Logger, tenantID, dealID string) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	fields := []zap.Field{zap.String("tenant_id", tenantID), zap.String("deal_id", dealID)}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		for _, f := range callerFields(rctx) {
			if f.Key != "tenant_id" {
				fields = append(fields, f)
			}
		}
	}
	return logger.With(fields...)
}

func callerFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 5)
	fields = append(fields,
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
	)
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.SpanID != "" {
		fields = append(fields, zap.String("span_id", rctx.SpanID))
	}
	return fields
}

// Redactor masks sensitive keys in free-form deal payloads before they
// reach debug logs. Key matching ignores case.
type Redactor struct {
	keys map[string]struct{}
}

var baseRedactKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"iban", "account_number", "card_number", "tax_id", "ssn",
}

// NewRedactor returns a Redactor for the built-in keys plus extra.
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: make(map[string]struct{}, len(baseRedactKeys)+len(extra))}
	for _, k := range append(baseRedactKeys, extra...) {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	return r
}

// Masks reports whether key is redacted.
func (r *Redactor) Masks(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

// Map returns a masked copy of m. Nested maps and lists are walked; m is
// left untouched.
func (r *Redactor) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if r.Masks(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *Redactor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return r.Map(t)
	case []any:
		list := make([]any, len(t))
		for i, e := range t {
			list[i] = r.value(e)
		}
		return list
	default:
		return v
	}
}

// Field is a zap field carrying the masked copy of m.
func (r *Redactor) Field(key string, m map[string]any) zap.Field {
	return zap.Any(key, r.Map(m))
}
