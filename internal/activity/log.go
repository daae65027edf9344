// Package activity records the actions logged against deals and answers the
// "has this action happened" queries used by transition rules.
package activity

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/dealflow/model"
)

// Log persists deal actions.
type Log interface {
	// HasLoggedAction reports whether at least one action of actionType has
	// been logged for the deal.
	HasLoggedAction(ctx context.Context, tenantID, dealID, actionType string) (bool, error)

	// LogAction appends an action.
	LogAction(ctx context.Context, action model.DealAction) error

	// Actions returns the deal's actions in the order they were logged.
	Actions(ctx context.Context, tenantID, dealID string) ([]model.DealAction, error)
}

// MemoryLog is an in-memory Log for tests and single-node deployments.
type MemoryLog struct {
	mu      sync.RWMutex
	actions map[string][]model.DealAction // key: tenant/deal
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{actions: make(map[string][]model.DealAction)}
}

func dealKey(tenantID, dealID string) string {
	return tenantID + "/" + dealID
}

// HasLoggedAction implements Log.
func (l *MemoryLog) HasLoggedAction(ctx context.Context, tenantID, dealID, actionType string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	return slices.ContainsFunc(l.actions[dealKey(tenantID, dealID)], func(a model.DealAction) bool {
		return a.ActionType == actionType
	}), nil
}

// LogAction implements Log.
func (l *MemoryLog) LogAction(ctx context.Context, action model.DealAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if action.ActionType == "" {
		return model.NewBadRequestError("action_type is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := dealKey(action.TenantID, action.DealID)
	for _, a := range l.actions[key] {
		if a.ID == action.ID {
			return model.NewConflictError(fmt.Sprintf("action %q already logged", action.ID))
		}
	}
	l.actions[key] = append(l.actions[key], action)
	return nil
}

// Actions implements Log.
func (l *MemoryLog) Actions(ctx context.Context, tenantID, dealID string) ([]model.DealAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	return slices.Clone(l.actions[dealKey(tenantID, dealID)]), nil
}
