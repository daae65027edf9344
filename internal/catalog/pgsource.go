package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/dealflow/model"
)

// Schema creates the table read by PgSource. Each row holds a tenant's
// whole catalog as a JSON document in the same shape as the YAML files.
const Schema = `
CREATE TABLE IF NOT EXISTS tenant_catalogs (
	tenant_id  TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PgSource reads tenant catalogs from PostgreSQL. It never writes; catalogs
// are administered outside this service. Every load is validated.
type PgSource struct {
	pool      *pgxpool.Pool
	validator *Validator
}

// NewPgSource creates a PostgreSQL catalog source.
func NewPgSource(pool *pgxpool.Pool) *PgSource {
	return &PgSource{pool: pool, validator: NewValidator()}
}

// Load implements Source.
func (s *PgSource) Load(ctx context.Context, tenantID string) (*model.TenantCatalog, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM tenant_catalogs WHERE tenant_id = $1`,
		tenantID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("no catalog for tenant %q", tenantID))
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant catalog: %w", err)
	}

	var cat model.TenantCatalog
	if err := json.Unmarshal(doc, &cat); err != nil {
		return nil, model.NewCatalogMisconfiguredError(
			fmt.Sprintf("catalog for tenant %q cannot be decoded: %v", tenantID, err),
		)
	}
	cat.TenantID = tenantID
	cat.Checksum = fmt.Sprintf("%x", sha256.Sum256(doc))
	cat.Normalize()

	if err := Misconfigured(tenantID, s.validator.ValidateCatalog("tenant_catalogs."+tenantID, &cat)); err != nil {
		return nil, err
	}
	return &cat, nil
}

// CountTenants returns how many tenant catalogs are stored.
func (s *PgSource) CountTenants(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tenant_catalogs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tenant catalogs: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (s *PgSource) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
