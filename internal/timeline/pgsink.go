package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dealflow/model"
)

// Schema creates the table used by PgSink.
const Schema = `
CREATE TABLE IF NOT EXISTS deal_stage_events (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	deal_id       TEXT NOT NULL,
	kind          TEXT NOT NULL,
	from_stage_id TEXT NOT NULL,
	to_stage_id   TEXT NOT NULL,
	actor_id      TEXT NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	auto_return   BOOLEAN NOT NULL,
	override      BOOLEAN NOT NULL,
	overridden    JSONB,
	data          JSONB,
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deal_stage_events_deal_idx ON deal_stage_events (tenant_id, deal_id, occurred_at);
`

// PgSink appends events to the deal_stage_events table.
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PostgreSQL timeline sink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Emit implements Sink.
func (s *PgSink) Emit(ctx context.Context, event model.StageChangeEvent) error {
	overriddenJSON, err := json.Marshal(event.Overridden)
	if err != nil {
		return fmt.Errorf("marshal overridden requirements: %w", err)
	}
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO deal_stage_events (
			id, tenant_id, deal_id, kind, from_stage_id, to_stage_id,
			actor_id, reason, auto_return, override, overridden, data, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		event.ID, event.TenantID, event.DealID, event.Kind, event.FromStageID, event.ToStageID,
		event.ActorID, event.Reason, event.AutoReturn, event.Override, overriddenJSON, dataJSON, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	return nil
}
