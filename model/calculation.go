package model

import "time"

// FieldType is the declared type of a calculation input.
type FieldType string

// Supported input field types.
const (
	FieldInteger     FieldType = "integer"
	FieldCurrency    FieldType = "currency"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multi_select"
	FieldText        FieldType = "text"
)

// Calculation result statuses.
const (
	CalculationPending    = "pending"
	CalculationIncomplete = "incomplete"
	CalculationComplete   = "complete"
	CalculationError      = "error"
)

// InputField declares one input of a calculation.
type InputField struct {
	Name     string    `json:"name" yaml:"name"`
	Label    string    `json:"label,omitempty" yaml:"label,omitempty"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
	Min      *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Options  []string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// OutputField declares one output of a calculation.
type OutputField struct {
	Name  string `json:"name" yaml:"name"`
	Type  string `json:"type" yaml:"type"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// CalculationDefinition describes a tenant calculation. Slug selects the
// formula that computes its outputs.
type CalculationDefinition struct {
	ID                    string        `json:"id" yaml:"id"`
	Slug                  string        `json:"slug" yaml:"slug"`
	Name                  string        `json:"name,omitempty" yaml:"name,omitempty"`
	Version               int           `json:"version" yaml:"version"`
	Active                bool          `json:"active" yaml:"active"`
	InputSchema           []InputField  `json:"input_schema" yaml:"input_schema"`
	OutputSchema          []OutputField `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ReturnToStageOnChange string        `json:"return_to_stage_on_change,omitempty" yaml:"return_to_stage_on_change,omitempty"`
}

// Field returns the input field with the given name.
func (d CalculationDefinition) Field(name string) (InputField, bool) {
	for _, f := range d.InputSchema {
		if f.Name == name {
			return f, true
		}
	}
	return InputField{}, false
}

// CalculationResult is the persisted outcome of the latest submission of a
// calculation for a deal.
type CalculationResult struct {
	ID                 string         `json:"id"`
	TenantID           string         `json:"tenant_id"`
	DealID             string         `json:"deal_id"`
	CalculationID      string         `json:"calculation_id"`
	CalculationVersion int            `json:"calculation_version"`
	Inputs             map[string]any `json:"inputs"`
	Outputs            map[string]any `json:"outputs,omitempty"`
	IsComplete         bool           `json:"is_complete"`
	Status             string         `json:"status"`
	ValidationErrors   []string       `json:"validation_errors,omitempty"`
	MissingFields      []string       `json:"missing_fields,omitempty"`
	CalculatedAt       *time.Time     `json:"calculated_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
	Version            int            `json:"version"`
}
