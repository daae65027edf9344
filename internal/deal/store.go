package deal

import (
	"context"

	"github.com/pitabwire/dealflow/model"
)

// Store persists deals and their calculation results. Every write to a deal
// is conditioned on the version the caller read; a mismatch fails with a
// CONCURRENT_MODIFICATION error and leaves the stored deal untouched.
type Store interface {
	// CreateDeal inserts a new deal at version 1.
	CreateDeal(ctx context.Context, deal model.Deal) (model.Deal, error)

	// GetDeal retrieves a deal, scoped to tenant.
	GetDeal(ctx context.Context, tenantID, dealID string) (model.Deal, error)

	// SaveDeal replaces the stored deal if its version equals
	// expectedVersion and returns it with the incremented version.
	SaveDeal(ctx context.Context, deal model.Deal, expectedVersion int) (model.Deal, error)

	// DeleteDeal removes a deal along with its calculation results.
	DeleteDeal(ctx context.Context, tenantID, dealID string) error

	// GetCalculationResult returns the deal's result for a calculation, or
	// nil and no error when there is none.
	GetCalculationResult(ctx context.Context, tenantID, dealID, calculationID string) (*model.CalculationResult, error)

	// ListCalculationResults returns every result stored for the deal.
	ListCalculationResults(ctx context.Context, tenantID, dealID string) ([]model.CalculationResult, error)

	// UpsertCalculationResult stores result and deal together. Both writes
	// happen only when the deal's version equals expectedVersion.
	UpsertCalculationResult(
		ctx context.Context,
		result model.CalculationResult,
		deal model.Deal,
		expectedVersion int,
	) (model.CalculationResult, model.Deal, error)
}
