package timeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// LogSink writes events as structured log entries.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink. The request logger in ctx, when present,
// takes precedence over logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, event model.StageChangeEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("kind", event.Kind),
		zap.String("tenant_id", event.TenantID),
		zap.String("deal_id", event.DealID),
		zap.String("from_stage_id", event.FromStageID),
		zap.String("to_stage_id", event.ToStageID),
		zap.String("actor_id", event.ActorID),
		zap.Bool("auto_return", event.AutoReturn),
		zap.Bool("override", event.Override),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if len(event.Overridden) > 0 {
		ids := make([]string, 0, len(event.Overridden))
		for _, r := range event.Overridden {
			ids = append(ids, r.RuleID)
		}
		fields = append(fields, zap.Strings("overridden_rules", ids))
	}
	observability.LoggerFrom(ctx, s.logger).Info("timeline event", fields...)
	return nil
}
