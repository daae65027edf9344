// Package transition evaluates the transition rules that gate moving a deal
// between pipeline stages and blueprint stages.
package transition

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/dealflow/model"
)

// ActionLog answers whether an action has been logged against a deal.
type ActionLog interface {
	HasLoggedAction(ctx context.Context, tenantID, dealID, actionType string) (bool, error)
}

// ResultReader reads the current calculation result of a deal. It returns
// nil and no error when the deal has no result for the calculation.
type ResultReader interface {
	GetCalculationResult(ctx context.Context, tenantID, dealID, calculationID string) (*model.CalculationResult, error)
}

// Validator evaluates transition rules. It only reports; deciding whether a
// denied move may be overridden is left to the caller.
type Validator struct {
	actions ActionLog
	results ResultReader
}

// NewValidator creates a Validator.
func NewValidator(actions ActionLog, results ResultReader) *Validator {
	return &Validator{actions: actions, results: results}
}

// Validate evaluates every rule of the deal's pipeline that applies to a
// move from the deal's current stage to targetStageID. All rules are
// evaluated in ascending priority; violations are collected, never
// short-circuited.
func (v *Validator) Validate(
	ctx context.Context,
	cat *model.TenantCatalog,
	deal model.Deal,
	targetStageID string,
) (model.ValidationResult, error) {
	target, ok := cat.Stage(targetStageID)
	if !ok {
		return model.ValidationResult{}, model.NewNotFoundError(
			fmt.Sprintf("stage %q not found", targetStageID),
		)
	}
	if target.PipelineID != deal.PipelineID {
		return model.ValidationResult{}, model.NewValidationError([]model.FieldError{{
			Field:   "stage_id",
			Code:    "PIPELINE_MISMATCH",
			Message: fmt.Sprintf("stage %q does not belong to pipeline %q", targetStageID, deal.PipelineID),
		}})
	}

	rules := MatchingRules(cat.RulesFor(deal.PipelineID), deal.StageID, targetStageID)

	result := model.ValidationResult{Missing: []model.Requirement{}}
	var messages []string
	overridable := true
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return model.ValidationResult{}, err
		}
		req, warning, err := v.evaluate(ctx, cat, deal, rule)
		if err != nil {
			return model.ValidationResult{}, err
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		if req == nil {
			continue
		}
		result.Missing = append(result.Missing, *req)
		messages = append(messages, req.Message)
		overridable = overridable && rule.AllowOverride
	}

	result.CanMove = len(result.Missing) == 0
	result.Overridable = !result.CanMove && overridable
	result.Message = strings.Join(messages, "; ")
	return result, nil
}

// MatchingRules selects the rules that gate a move from fromStage to
// toStage, sorted by ascending priority with declaration order kept on
// ties. calculation_change_return rules never gate moves.
func MatchingRules(rules []model.StageTransitionRule, fromStage, toStage string) []model.StageTransitionRule {
	var out []model.StageTransitionRule
	for _, r := range rules {
		if r.Type == model.RuleCalculationChangeReturn {
			continue
		}
		if r.ToStage != toStage {
			continue
		}
		if r.FromStage != "" && r.FromStage != fromStage {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (v *Validator) evaluate(
	ctx context.Context,
	cat *model.TenantCatalog,
	deal model.Deal,
	rule model.StageTransitionRule,
) (*model.Requirement, string, error) {
	req := &model.Requirement{
		RuleID:        rule.ID,
		Type:          rule.Type,
		AllowOverride: rule.AllowOverride,
	}

	switch cfg := rule.Config.(type) {
	case model.PropertyConfig:
		if deal.HasProperty(cfg.PropertyName) {
			return nil, "", nil
		}
		req.Key = cfg.PropertyName
		req.Message = messageOr(rule, fmt.Sprintf("%s is required", cfg.PropertyName))
		return req, "", nil

	case model.ActionConfig:
		logged, err := v.actions.HasLoggedAction(ctx, deal.TenantID, deal.ID, cfg.ActionType)
		if err != nil {
			return nil, "", fmt.Errorf("check action %q: %w", cfg.ActionType, err)
		}
		if logged {
			return nil, "", nil
		}
		req.Key = cfg.ActionType
		req.Message = messageOr(rule, fmt.Sprintf("Action %q must be logged", cfg.ActionType))
		return req, "", nil

	case model.TouchpointConfig:
		var warning string
		if cfg.MaxCount != nil && deal.TouchpointCount > *cfg.MaxCount {
			warning = fmt.Sprintf("touchpoint count %d exceeds the advised maximum of %d",
				deal.TouchpointCount, *cfg.MaxCount)
		}
		if cfg.MinCount == nil || deal.TouchpointCount >= *cfg.MinCount {
			return nil, warning, nil
		}
		current := deal.TouchpointCount
		required := *cfg.MinCount
		req.Key = "touchpoints"
		req.Current = &current
		req.Required = &required
		req.Message = messageOr(rule, fmt.Sprintf("At least %d touchpoints required (current: %d)", required, current))
		return req, warning, nil

	case model.CalculationConfig:
		def, ok := cat.CalculationByID(cfg.CalculationID)
		if !ok {
			return nil, "", model.NewCatalogMisconfiguredError(
				fmt.Sprintf("rule %q references unknown calculation %q", rule.ID, cfg.CalculationID),
			)
		}
		res, err := v.results.GetCalculationResult(ctx, deal.TenantID, deal.ID, cfg.CalculationID)
		if err != nil {
			return nil, "", fmt.Errorf("read calculation result: %w", err)
		}
		want := cfg.RequiresComplete()
		if res != nil && res.IsComplete == want {
			return nil, "", nil
		}
		name := def.Name
		if name == "" {
			name = def.Slug
		}
		req.Key = cfg.CalculationID
		if want {
			req.Message = messageOr(rule, fmt.Sprintf("Calculation %q must be complete", name))
		} else {
			req.Message = messageOr(rule, fmt.Sprintf("Calculation %q must not be complete", name))
		}
		return req, "", nil

	default:
		return nil, "", model.NewCatalogMisconfiguredError(
			fmt.Sprintf("rule %q of type %q has no usable config", rule.ID, rule.Type),
		)
	}
}

func messageOr(rule model.StageTransitionRule, fallback string) string {
	if rule.ErrorMessage != "" {
		return rule.ErrorMessage
	}
	return fallback
}
