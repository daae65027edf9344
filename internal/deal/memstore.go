package deal

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/dealflow/model"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	deals   map[string]model.Deal                         // key: deal ID
	results map[string]map[string]model.CalculationResult // key: deal ID, then calculation ID
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory deal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals:   make(map[string]model.Deal),
		results: make(map[string]map[string]model.CalculationResult),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateDeal implements Store.
func (s *MemoryStore) CreateDeal(ctx context.Context, deal model.Deal) (model.Deal, error) {
	if err := ctx.Err(); err != nil {
		return model.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deals[deal.ID]; exists {
		return model.Deal{}, model.NewConflictError(fmt.Sprintf("deal %q already exists", deal.ID))
	}
	deal.Version = 1
	s.deals[deal.ID] = cloneDeal(deal)
	return deal, nil
}

// GetDeal implements Store.
func (s *MemoryStore) GetDeal(ctx context.Context, tenantID, dealID string) (model.Deal, error) {
	if err := ctx.Err(); err != nil {
		return model.Deal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.lookup(tenantID, dealID)
	if err != nil {
		return model.Deal{}, err
	}
	return cloneDeal(d), nil
}

// SaveDeal implements Store.
func (s *MemoryStore) SaveDeal(ctx context.Context, deal model.Deal, expectedVersion int) (model.Deal, error) {
	if err := ctx.Err(); err != nil {
		return model.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved, err := s.checkAndBump(deal, expectedVersion)
	if err != nil {
		return model.Deal{}, err
	}
	s.deals[saved.ID] = cloneDeal(saved)
	return saved, nil
}

// DeleteDeal implements Store.
func (s *MemoryStore) DeleteDeal(ctx context.Context, tenantID, dealID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(tenantID, dealID); err != nil {
		return err
	}
	delete(s.deals, dealID)
	delete(s.results, dealID)
	return nil
}

// GetCalculationResult implements Store.
func (s *MemoryStore) GetCalculationResult(ctx context.Context, tenantID, dealID, calculationID string) (*model.CalculationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[dealID][calculationID]
	if !ok || r.TenantID != tenantID {
		return nil, nil
	}
	r = cloneResult(r)
	return &r, nil
}

// ListCalculationResults implements Store.
func (s *MemoryStore) ListCalculationResults(ctx context.Context, tenantID, dealID string) ([]model.CalculationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.CalculationResult
	for _, r := range s.results[dealID] {
		if r.TenantID == tenantID {
			out = append(out, cloneResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalculationID < out[j].CalculationID })
	return out, nil
}

// UpsertCalculationResult implements Store.
func (s *MemoryStore) UpsertCalculationResult(
	ctx context.Context,
	result model.CalculationResult,
	deal model.Deal,
	expectedVersion int,
) (model.CalculationResult, model.Deal, error) {
	if err := ctx.Err(); err != nil {
		return model.CalculationResult{}, model.Deal{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved, err := s.checkAndBump(deal, expectedVersion)
	if err != nil {
		return model.CalculationResult{}, model.Deal{}, err
	}

	byCalc := s.results[deal.ID]
	if byCalc == nil {
		byCalc = make(map[string]model.CalculationResult)
		s.results[deal.ID] = byCalc
	}
	result.Version++
	result.UpdatedAt = s.now()

	s.deals[saved.ID] = cloneDeal(saved)
	byCalc[result.CalculationID] = cloneResult(result)
	return result, saved, nil
}

func (s *MemoryStore) lookup(tenantID, dealID string) (model.Deal, error) {
	d, ok := s.deals[dealID]
	if !ok || d.TenantID != tenantID {
		return model.Deal{}, model.NewNotFoundError(fmt.Sprintf("deal %q not found", dealID))
	}
	return d, nil
}

// checkAndBump must be called with the write lock held.
func (s *MemoryStore) checkAndBump(deal model.Deal, expectedVersion int) (model.Deal, error) {
	existing, err := s.lookup(deal.TenantID, deal.ID)
	if err != nil {
		return model.Deal{}, err
	}
	if existing.Version != expectedVersion {
		return model.Deal{}, model.NewConcurrentModificationError(
			fmt.Sprintf("deal %q version conflict (expected %d, got %d)", deal.ID, expectedVersion, existing.Version),
		)
	}
	deal.Version = expectedVersion + 1
	deal.UpdatedAt = s.now()
	return deal, nil
}

func cloneDeal(d model.Deal) model.Deal {
	d.CustomProperties = maps.Clone(d.CustomProperties)
	return d
}

func cloneResult(r model.CalculationResult) model.CalculationResult {
	r.Inputs = maps.Clone(r.Inputs)
	r.Outputs = maps.Clone(r.Outputs)
	r.ValidationErrors = append([]string(nil), r.ValidationErrors...)
	r.MissingFields = append([]string(nil), r.MissingFields...)
	return r
}
