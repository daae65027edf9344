package model

import (
	"strings"
	"time"
)

// Deal statuses.
const (
	DealStatusOpen = "open"
	DealStatusWon  = "won"
	DealStatusLost = "lost"
)

// Stage change event kinds.
const (
	EventStageChanged          = "stage_changed"
	EventBlueprintStageChanged = "blueprint_stage_changed"
)

// AutoReturnReason is recorded on events emitted by an automatic return.
const AutoReturnReason = "Calculation inputs changed"

// Deal is a sales opportunity moving through a pipeline.
type Deal struct {
	ID                      string         `json:"id"`
	TenantID                string         `json:"tenant_id"`
	PipelineID              string         `json:"pipeline_id"`
	StageID                 string         `json:"stage_id"`
	BlueprintID             string         `json:"blueprint_id,omitempty"`
	CurrentBlueprintStageID string         `json:"current_blueprint_stage_id,omitempty"`
	Name                    string         `json:"name,omitempty"`
	Amount                  *float64       `json:"amount,omitempty"`
	Currency                string         `json:"currency,omitempty"`
	OwnerID                 string         `json:"owner_id,omitempty"`
	ContactID               string         `json:"contact_id,omitempty"`
	ExpectedCloseDate       *time.Time     `json:"expected_close_date,omitempty"`
	CustomProperties        map[string]any `json:"custom_properties,omitempty"`
	TouchpointCount         int            `json:"touchpoint_count"`
	Status                  string         `json:"status"`
	WonAt                   *time.Time     `json:"won_at,omitempty"`
	LostAt                  *time.Time     `json:"lost_at,omitempty"`
	Version                 int            `json:"version"`
	CreatedAt               time.Time      `json:"created_at"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// Property returns the value of a well-known field or custom property, or
// nil when the deal has none.
func (d Deal) Property(name string) any {
	switch name {
	case "name":
		return d.Name
	case "amount":
		if d.Amount == nil {
			return nil
		}
		return *d.Amount
	case "currency":
		return d.Currency
	case "owner_id":
		return d.OwnerID
	case "contact_id":
		return d.ContactID
	case "expected_close_date":
		if d.ExpectedCloseDate == nil {
			return nil
		}
		return *d.ExpectedCloseDate
	}
	if d.CustomProperties == nil {
		return nil
	}
	return d.CustomProperties[name]
}

// HasProperty reports whether the named property holds a non-empty value.
func (d Deal) HasProperty(name string) bool {
	return !IsEmptyValue(d.Property(name))
}

// IsEmptyValue reports whether v is nil, a blank string, or an empty list.
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// Actor identifies who requested an operation.
type Actor struct {
	ID          string
	CanOverride bool
}

// StageChangeEvent is the timeline record of a stage or blueprint stage
// change.
type StageChangeEvent struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	DealID      string         `json:"deal_id"`
	Kind        string         `json:"kind"`
	FromStageID string         `json:"from_stage_id"`
	ToStageID   string         `json:"to_stage_id"`
	ActorID     string         `json:"actor_id"`
	Reason      string         `json:"reason,omitempty"`
	AutoReturn  bool           `json:"auto_return"`
	Override    bool           `json:"override"`
	Overridden  []Requirement  `json:"overridden,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// DealAction is an activity logged against a deal, such as a call or a
// sent contract. Transition rules check for actions by type.
type DealAction struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	DealID     string         `json:"deal_id"`
	ActionType string         `json:"action_type"`
	ActorID    string         `json:"actor_id"`
	Data       map[string]any `json:"data,omitempty"`
	LoggedAt   time.Time      `json:"logged_at"`
}
