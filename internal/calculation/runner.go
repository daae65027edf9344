// Package calculation validates calculation inputs against a definition's
// schema and runs the formula registered for its slug.
package calculation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/dealflow/model"
)

// Submission is the outcome of a submission. Result is ready to persist.
type Submission struct {
	Definition    model.CalculationDefinition
	Previous      *model.CalculationResult
	Result        model.CalculationResult
	FieldErrors   []model.FieldError
	InputsChanged bool
}

// ResultReader reads a deal's current result for a calculation. It returns
// nil and no error when there is none.
type ResultReader interface {
	GetCalculationResult(ctx context.Context, tenantID, dealID, calculationID string) (*model.CalculationResult, error)
}

// Runner evaluates calculation submissions. It holds no state besides the
// clock and is safe for concurrent use.
type Runner struct {
	now func() time.Time
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{now: func() time.Time { return time.Now().UTC() }}
}

// SubmitInputs resolves the active calculation for slug in the tenant's
// catalog, reads the deal's current result for it and evaluates raw against
// the definition. Nothing is persisted.
func (r *Runner) SubmitInputs(
	ctx context.Context,
	cat *model.TenantCatalog,
	results ResultReader,
	tenantID, dealID, slug string,
	raw map[string]any,
) (Submission, error) {
	def, err := cat.ActiveCalculation(slug)
	if err != nil {
		return Submission{}, err
	}
	prev, err := results.GetCalculationResult(ctx, tenantID, dealID, def.ID)
	if err != nil {
		return Submission{}, fmt.Errorf("read calculation result: %w", err)
	}
	return r.Evaluate(ctx, tenantID, dealID, def, prev, raw)
}

// Evaluate validates raw inputs against def, runs the formula when every
// required input is present and valid, and returns the new result for the
// deal. prev is the deal's current result for def, or nil. Inputs are kept
// even when the result is incomplete; outputs only when it is complete.
func (r *Runner) Evaluate(
	ctx context.Context,
	tenantID, dealID string,
	def model.CalculationDefinition,
	prev *model.CalculationResult,
	raw map[string]any,
) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}

	formula, ok := formulas[def.Slug]
	if !ok {
		return Submission{}, model.NewCatalogMisconfiguredError(
			fmt.Sprintf("calculation %q has no formula", def.Slug),
		)
	}
	fields, err := compile(def)
	if err != nil {
		return Submission{}, err
	}

	inputs := make(map[string]any, len(fields))
	values := make(Values, len(fields))
	var (
		validationErrors []string
		fieldErrors      []model.FieldError
		missing          []string
	)
	for _, f := range fields {
		in := f.input()
		v, present := raw[in.Name]
		if !present || model.IsEmptyValue(v) {
			if in.Required {
				msg := Label(in) + " is required"
				missing = append(missing, msg)
				fieldErrors = append(fieldErrors, model.FieldError{Field: in.Name, Code: CodeRequired, Message: msg})
			}
			continue
		}
		normalized, ferr := f.parse(v)
		if ferr != nil {
			validationErrors = append(validationErrors, ferr.Message)
			fieldErrors = append(fieldErrors, *ferr)
			inputs[in.Name] = v
			continue
		}
		inputs[in.Name] = normalized
		values[in.Name] = normalized
	}

	now := r.now()
	result := model.CalculationResult{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		DealID:             dealID,
		CalculationID:      def.ID,
		CalculationVersion: def.Version,
		Inputs:             inputs,
		UpdatedAt:          now,
	}
	if prev != nil {
		result.ID = prev.ID
		result.Version = prev.Version
	}

	if len(missing) == 0 && len(validationErrors) == 0 {
		outputs, ferr := formula(values)
		if ferr != nil {
			validationErrors = append(validationErrors, ferr.Error())
			fieldErrors = append(fieldErrors, model.FieldError{Code: CodeFormula, Message: ferr.Error()})
		} else {
			result.Outputs = outputs
			result.IsComplete = true
			result.CalculatedAt = &now
		}
	}

	result.ValidationErrors = validationErrors
	result.MissingFields = missing
	switch {
	case result.IsComplete:
		result.Status = model.CalculationComplete
	case len(validationErrors) > 0:
		result.Status = model.CalculationError
	default:
		result.Status = model.CalculationIncomplete
	}

	sub := Submission{Definition: def, Previous: prev, Result: result, FieldErrors: fieldErrors}
	if prev != nil {
		sub.InputsChanged = requiredChanged(fields, prev.Inputs, inputs)
	}
	return sub, nil
}

// RequiredInputsChanged reports whether any required input of def differs
// between two input maps. Values are compared in normalized form, so
// 5, 5.0 and "5" are equal for an integer field.
func RequiredInputsChanged(def model.CalculationDefinition, oldInputs, newInputs map[string]any) (bool, error) {
	fields, err := compile(def)
	if err != nil {
		return false, err
	}
	return requiredChanged(fields, oldInputs, newInputs), nil
}

func requiredChanged(fields []field, oldInputs, newInputs map[string]any) bool {
	for _, f := range fields {
		if !f.input().Required {
			continue
		}
		name := f.input().Name
		if canonicalOf(f, oldInputs[name]) != canonicalOf(f, newInputs[name]) {
			return true
		}
	}
	return false
}

func canonicalOf(f field, v any) string {
	if model.IsEmptyValue(v) {
		return ""
	}
	normalized, ferr := f.parse(v)
	if ferr != nil {
		return "raw:" + fmt.Sprint(v)
	}
	return f.canonical(normalized)
}
