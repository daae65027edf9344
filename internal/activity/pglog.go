package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dealflow/model"
)

// Schema creates the table used by PgLog.
const Schema = `
CREATE TABLE IF NOT EXISTS deal_actions (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	deal_id     TEXT NOT NULL,
	action_type TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	data        JSONB,
	logged_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deal_actions_lookup_idx ON deal_actions (tenant_id, deal_id, action_type);
`

// PgLog is a PostgreSQL-backed Log using pgx/v5.
type PgLog struct {
	pool *pgxpool.Pool
}

// NewPgLog creates a PostgreSQL action log.
func NewPgLog(pool *pgxpool.Pool) *PgLog {
	return &PgLog{pool: pool}
}

// HasLoggedAction implements Log.
func (l *PgLog) HasLoggedAction(ctx context.Context, tenantID, dealID, actionType string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deal_actions
			WHERE tenant_id = $1 AND deal_id = $2 AND action_type = $3
		)`,
		tenantID, dealID, actionType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query deal action: %w", err)
	}
	return exists, nil
}

// LogAction implements Log.
func (l *PgLog) LogAction(ctx context.Context, action model.DealAction) error {
	dataJSON, err := json.Marshal(action.Data)
	if err != nil {
		return fmt.Errorf("marshal action data: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO deal_actions (id, tenant_id, deal_id, action_type, actor_id, data, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		action.ID, action.TenantID, action.DealID, action.ActionType,
		action.ActorID, dataJSON, action.LoggedAt,
	)
	if err != nil {
		return fmt.Errorf("insert deal action: %w", err)
	}
	return nil
}

// Actions implements Log.
func (l *PgLog) Actions(ctx context.Context, tenantID, dealID string) ([]model.DealAction, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, tenant_id, deal_id, action_type, actor_id, data, logged_at
		FROM deal_actions
		WHERE tenant_id = $1 AND deal_id = $2
		ORDER BY logged_at ASC`,
		tenantID, dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("query deal actions: %w", err)
	}
	defer rows.Close()

	var actions []model.DealAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (model.DealAction, error) {
	var a model.DealAction
	var dataJSON []byte
	if err := row.Scan(&a.ID, &a.TenantID, &a.DealID, &a.ActionType, &a.ActorID, &dataJSON, &a.LoggedAt); err != nil {
		return model.DealAction{}, fmt.Errorf("scan deal action: %w", err)
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &a.Data); err != nil {
			return model.DealAction{}, fmt.Errorf("unmarshal deal action %s data: %w", a.ID, err)
		}
	}
	return a, nil
}
