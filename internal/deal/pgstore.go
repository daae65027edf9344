package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dealflow/model"
)

// Schema creates the tables used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS deals (
	id                         TEXT PRIMARY KEY,
	tenant_id                  TEXT NOT NULL,
	pipeline_id                TEXT NOT NULL,
	stage_id                   TEXT NOT NULL,
	blueprint_id               TEXT NOT NULL DEFAULT '',
	current_blueprint_stage_id TEXT NOT NULL DEFAULT '',
	name                       TEXT NOT NULL DEFAULT '',
	amount                     DOUBLE PRECISION,
	currency                   TEXT NOT NULL DEFAULT '',
	owner_id                   TEXT NOT NULL DEFAULT '',
	contact_id                 TEXT NOT NULL DEFAULT '',
	expected_close_date        TIMESTAMPTZ,
	custom_properties          JSONB,
	touchpoint_count           INTEGER NOT NULL DEFAULT 0,
	status                     TEXT NOT NULL,
	won_at                     TIMESTAMPTZ,
	lost_at                    TIMESTAMPTZ,
	version                    INTEGER NOT NULL,
	created_at                 TIMESTAMPTZ NOT NULL,
	updated_at                 TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS deals_tenant_idx ON deals (tenant_id);

CREATE TABLE IF NOT EXISTS calculation_results (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	deal_id             TEXT NOT NULL REFERENCES deals (id) ON DELETE CASCADE,
	calculation_id      TEXT NOT NULL,
	calculation_version INTEGER NOT NULL,
	inputs              JSONB NOT NULL,
	outputs             JSONB,
	is_complete         BOOLEAN NOT NULL,
	status              TEXT NOT NULL,
	validation_errors   JSONB,
	missing_fields      JSONB,
	calculated_at       TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL,
	version             INTEGER NOT NULL,
	UNIQUE (deal_id, calculation_id)
);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL deal store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const dealColumns = `
	id, tenant_id, pipeline_id, stage_id, blueprint_id, current_blueprint_stage_id,
	name, amount, currency, owner_id, contact_id, expected_close_date,
	custom_properties, touchpoint_count, status, won_at, lost_at,
	version, created_at, updated_at`

// CreateDeal implements Store.
func (s *PgStore) CreateDeal(ctx context.Context, deal model.Deal) (model.Deal, error) {
	propsJSON, err := json.Marshal(deal.CustomProperties)
	if err != nil {
		return model.Deal{}, fmt.Errorf("marshal custom properties: %w", err)
	}
	deal.Version = 1

	_, err = s.pool.Exec(ctx, `
		INSERT INTO deals (`+dealColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20
		)`,
		deal.ID, deal.TenantID, deal.PipelineID, deal.StageID, deal.BlueprintID, deal.CurrentBlueprintStageID,
		deal.Name, deal.Amount, deal.Currency, deal.OwnerID, deal.ContactID, deal.ExpectedCloseDate,
		propsJSON, deal.TouchpointCount, deal.Status, deal.WonAt, deal.LostAt,
		deal.Version, deal.CreatedAt, deal.UpdatedAt,
	)
	if err != nil {
		return model.Deal{}, fmt.Errorf("insert deal: %w", err)
	}
	return deal, nil
}

// GetDeal implements Store.
func (s *PgStore) GetDeal(ctx context.Context, tenantID, dealID string) (model.Deal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE id = $1 AND tenant_id = $2`,
		dealID, tenantID,
	)
	d, err := scanDeal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Deal{}, model.NewNotFoundError(fmt.Sprintf("deal %q not found", dealID))
	}
	if err != nil {
		return model.Deal{}, fmt.Errorf("query deal: %w", err)
	}
	return d, nil
}

// SaveDeal implements Store.
func (s *PgStore) SaveDeal(ctx context.Context, deal model.Deal, expectedVersion int) (model.Deal, error) {
	return updateDeal(ctx, s.pool, deal, expectedVersion)
}

// DeleteDeal implements Store. Calculation results go with the deal through
// the foreign key cascade.
func (s *PgStore) DeleteDeal(ctx context.Context, tenantID, dealID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deals WHERE id = $1 AND tenant_id = $2`, dealID, tenantID)
	if err != nil {
		return fmt.Errorf("delete deal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("deal %q not found", dealID))
	}
	return nil
}

const resultColumns = `
	id, tenant_id, deal_id, calculation_id, calculation_version,
	inputs, outputs, is_complete, status, validation_errors, missing_fields,
	calculated_at, updated_at, version`

// GetCalculationResult implements Store.
func (s *PgStore) GetCalculationResult(ctx context.Context, tenantID, dealID, calculationID string) (*model.CalculationResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+resultColumns+`
		FROM calculation_results
		WHERE tenant_id = $1 AND deal_id = $2 AND calculation_id = $3`,
		tenantID, dealID, calculationID,
	)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calculation result: %w", err)
	}
	return &r, nil
}

// ListCalculationResults implements Store.
func (s *PgStore) ListCalculationResults(ctx context.Context, tenantID, dealID string) ([]model.CalculationResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+resultColumns+`
		FROM calculation_results
		WHERE tenant_id = $1 AND deal_id = $2
		ORDER BY calculation_id ASC`,
		tenantID, dealID,
	)
	if err != nil {
		return nil, fmt.Errorf("query calculation results: %w", err)
	}
	defer rows.Close()

	var out []model.CalculationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calculation result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertCalculationResult implements Store. The deal update and the result
// upsert share one transaction; a version conflict on the deal rolls back
// both.
func (s *PgStore) UpsertCalculationResult(
	ctx context.Context,
	result model.CalculationResult,
	deal model.Deal,
	expectedVersion int,
) (model.CalculationResult, model.Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	saved, err := updateDeal(ctx, tx, deal, expectedVersion)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, err
	}

	inputsJSON, err := json.Marshal(result.Inputs)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("marshal inputs: %w", err)
	}
	outputsJSON, err := json.Marshal(result.Outputs)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("marshal outputs: %w", err)
	}
	errorsJSON, err := json.Marshal(result.ValidationErrors)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("marshal validation errors: %w", err)
	}
	missingJSON, err := json.Marshal(result.MissingFields)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("marshal missing fields: %w", err)
	}

	result.Version++
	result.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO calculation_results (`+resultColumns+`
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14
		)
		ON CONFLICT (deal_id, calculation_id) DO UPDATE SET
			calculation_version = EXCLUDED.calculation_version,
			inputs = EXCLUDED.inputs,
			outputs = EXCLUDED.outputs,
			is_complete = EXCLUDED.is_complete,
			status = EXCLUDED.status,
			validation_errors = EXCLUDED.validation_errors,
			missing_fields = EXCLUDED.missing_fields,
			calculated_at = EXCLUDED.calculated_at,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version`,
		result.ID, result.TenantID, result.DealID, result.CalculationID, result.CalculationVersion,
		inputsJSON, outputsJSON, result.IsComplete, result.Status, errorsJSON, missingJSON,
		result.CalculatedAt, result.UpdatedAt, result.Version,
	)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("upsert calculation result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.CalculationResult{}, model.Deal{}, fmt.Errorf("commit transaction: %w", err)
	}
	return result, saved, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// updateDeal writes deal when the stored version equals expectedVersion.
// When no row matches, a follow-up read tells a missing deal from a lost
// race.
func updateDeal(ctx context.Context, db querier, deal model.Deal, expectedVersion int) (model.Deal, error) {
	propsJSON, err := json.Marshal(deal.CustomProperties)
	if err != nil {
		return model.Deal{}, fmt.Errorf("marshal custom properties: %w", err)
	}
	deal.Version = expectedVersion + 1
	deal.UpdatedAt = time.Now().UTC()

	var version int
	err = db.QueryRow(ctx, `
		UPDATE deals SET
			pipeline_id = $1,
			stage_id = $2,
			blueprint_id = $3,
			current_blueprint_stage_id = $4,
			name = $5,
			amount = $6,
			currency = $7,
			owner_id = $8,
			contact_id = $9,
			expected_close_date = $10,
			custom_properties = $11,
			touchpoint_count = $12,
			status = $13,
			won_at = $14,
			lost_at = $15,
			version = $16,
			updated_at = $17
		WHERE id = $18 AND tenant_id = $19 AND version = $20
		RETURNING version`,
		deal.PipelineID, deal.StageID, deal.BlueprintID, deal.CurrentBlueprintStageID,
		deal.Name, deal.Amount, deal.Currency, deal.OwnerID, deal.ContactID,
		deal.ExpectedCloseDate, propsJSON, deal.TouchpointCount, deal.Status,
		deal.WonAt, deal.LostAt, deal.Version, deal.UpdatedAt,
		deal.ID, deal.TenantID, expectedVersion,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1 AND tenant_id = $2)`,
			deal.ID, deal.TenantID,
		).Scan(&exists); err != nil {
			return model.Deal{}, fmt.Errorf("query deal: %w", err)
		}
		if !exists {
			return model.Deal{}, model.NewNotFoundError(fmt.Sprintf("deal %q not found", deal.ID))
		}
		return model.Deal{}, model.NewConcurrentModificationError(
			fmt.Sprintf("deal %q version conflict (expected %d)", deal.ID, expectedVersion),
		)
	}
	if err != nil {
		return model.Deal{}, fmt.Errorf("update deal: %w", err)
	}
	return deal, nil
}

func scanDeal(row pgx.Row) (model.Deal, error) {
	var d model.Deal
	var propsJSON []byte
	err := row.Scan(
		&d.ID, &d.TenantID, &d.PipelineID, &d.StageID, &d.BlueprintID, &d.CurrentBlueprintStageID,
		&d.Name, &d.Amount, &d.Currency, &d.OwnerID, &d.ContactID, &d.ExpectedCloseDate,
		&propsJSON, &d.TouchpointCount, &d.Status, &d.WonAt, &d.LostAt,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return model.Deal{}, err
	}
	if propsJSON != nil {
		if err := json.Unmarshal(propsJSON, &d.CustomProperties); err != nil {
			return model.Deal{}, fmt.Errorf("unmarshal custom properties: %w", err)
		}
	}
	return d, nil
}

func scanResult(row pgx.Row) (model.CalculationResult, error) {
	var r model.CalculationResult
	var inputsJSON, outputsJSON, errorsJSON, missingJSON []byte
	err := row.Scan(
		&r.ID, &r.TenantID, &r.DealID, &r.CalculationID, &r.CalculationVersion,
		&inputsJSON, &outputsJSON, &r.IsComplete, &r.Status, &errorsJSON, &missingJSON,
		&r.CalculatedAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return model.CalculationResult{}, err
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{inputsJSON, &r.Inputs},
		{outputsJSON, &r.Outputs},
		{errorsJSON, &r.ValidationErrors},
		{missingJSON, &r.MissingFields},
	} {
		if f.raw == nil {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return model.CalculationResult{}, fmt.Errorf("unmarshal calculation result: %w", err)
		}
	}
	return r, nil
}
