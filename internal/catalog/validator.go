package catalog

import (
	"fmt"
	"strings"

	"github.com/pitabwire/dealflow/internal/calculation"
	"github.com/pitabwire/dealflow/model"
)

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks catalogs structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all catalogs, including that no tenant appears twice.
func (v *Validator) Validate(cats []*model.TenantCatalog) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, cat := range cats {
		prefix := fmt.Sprintf("catalogs[%d]", i)
		if cat.SourceFile != "" {
			prefix = cat.SourceFile
		}
		if first, dup := seen[cat.TenantID]; dup && cat.TenantID != "" {
			errs = append(errs, VError{
				Path:    prefix + ".tenant_id",
				Code:    "DUPLICATE_TENANT",
				Message: fmt.Sprintf("tenant %q is already defined by %s", cat.TenantID, first),
			})
		}
		seen[cat.TenantID] = prefix
		errs = append(errs, v.ValidateCatalog(prefix, cat)...)
	}
	return errs
}

// ValidateCatalog checks a single tenant catalog.
func (v *Validator) ValidateCatalog(prefix string, cat *model.TenantCatalog) []VError {
	var errs []VError

	if cat.TenantID == "" {
		errs = append(errs, VError{Path: prefix + ".tenant_id", Code: "REQUIRED", Message: "tenant_id is required"})
	}
	if len(cat.Pipelines) == 0 {
		errs = append(errs, VError{Path: prefix + ".pipelines", Code: "REQUIRED", Message: "at least one pipeline is required"})
	}

	// Stage IDs are unique across the whole catalog.
	stagePipeline := make(map[string]string)
	pipelineIDs := make(map[string]bool)
	for i, p := range cat.Pipelines {
		pp := fmt.Sprintf("%s.pipelines[%d]", prefix, i)
		errs = append(errs, v.validatePipeline(pp, p, pipelineIDs, stagePipeline)...)
	}

	bpStageIDs := make(map[string]bool)
	for i, bp := range cat.Blueprints {
		bpp := fmt.Sprintf("%s.blueprints[%d]", prefix, i)
		errs = append(errs, v.validateBlueprint(bpp, bp, bpStageIDs)...)
	}

	calcIDs := make(map[string]bool)
	activeSlugs := make(map[string]bool)
	for i, def := range cat.Calculations {
		cp := fmt.Sprintf("%s.calculations[%d]", prefix, i)
		errs = append(errs, v.validateCalculation(cp, def, stagePipeline, calcIDs, activeSlugs)...)
	}

	ruleIDs := make(map[string]bool)
	for i, r := range cat.Rules {
		rp := fmt.Sprintf("%s.rules[%d]", prefix, i)
		errs = append(errs, v.validateRule(rp, r, pipelineIDs, stagePipeline, calcIDs, ruleIDs)...)
	}

	return errs
}

func (v *Validator) validatePipeline(prefix string, p model.Pipeline, pipelineIDs map[string]bool, stagePipeline map[string]string) []VError {
	var errs []VError

	if p.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	} else if pipelineIDs[p.ID] {
		errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("pipeline %q is defined twice", p.ID)})
	}
	pipelineIDs[p.ID] = true

	if len(p.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
	}

	orders := make(map[int]string)
	for i, s := range p.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "stage id is required"})
		} else if _, dup := stagePipeline[s.ID]; dup {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("stage %q is defined twice", s.ID)})
		} else {
			stagePipeline[s.ID] = p.ID
		}
		if other, dup := orders[s.DisplayOrder]; dup {
			errs = append(errs, VError{
				Path:    sp + ".display_order",
				Code:    "DUPLICATE_ORDER",
				Message: fmt.Sprintf("display_order %d is shared with stage %q", s.DisplayOrder, other),
			})
		}
		orders[s.DisplayOrder] = s.ID
		if s.IsWonStage && s.IsLostStage {
			errs = append(errs, VError{Path: sp, Code: "INVALID_OUTCOME", Message: "a stage cannot be both won and lost"})
		}
		if s.Probability < 0 || s.Probability > 100 {
			errs = append(errs, VError{Path: sp + ".probability", Code: "OUT_OF_RANGE", Message: "probability must be between 0 and 100"})
		}
	}

	return errs
}

func (v *Validator) validateBlueprint(prefix string, bp model.Blueprint, stageIDs map[string]bool) []VError {
	var errs []VError

	if bp.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	}
	if len(bp.Stages) == 0 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"})
	}

	starts := 0
	for i, s := range bp.Stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.ID == "" {
			errs = append(errs, VError{Path: sp + ".id", Code: "REQUIRED", Message: "stage id is required"})
		} else if stageIDs[s.ID] {
			errs = append(errs, VError{Path: sp + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("blueprint stage %q is defined twice", s.ID)})
		}
		stageIDs[s.ID] = true
		if s.IsStartStage {
			starts++
		}
	}
	if starts > 1 {
		errs = append(errs, VError{Path: prefix + ".stages", Code: "MULTIPLE_START", Message: "at most one start stage is allowed"})
	}

	return errs
}

func (v *Validator) validateCalculation(
	prefix string,
	def model.CalculationDefinition,
	stagePipeline map[string]string,
	calcIDs, activeSlugs map[string]bool,
) []VError {
	var errs []VError

	if def.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	} else if calcIDs[def.ID] {
		errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("calculation %q is defined twice", def.ID)})
	}
	calcIDs[def.ID] = true

	if def.Slug == "" {
		errs = append(errs, VError{Path: prefix + ".slug", Code: "REQUIRED", Message: "slug is required"})
	} else if err := calculation.CheckDefinition(def); err != nil {
		errs = append(errs, VError{Path: prefix, Code: "INVALID_CALCULATION", Message: err.Error()})
	}
	if def.Active {
		if activeSlugs[def.Slug] {
			errs = append(errs, VError{
				Path:    prefix + ".active",
				Code:    "DUPLICATE_ACTIVE",
				Message: fmt.Sprintf("slug %q already has an active definition", def.Slug),
			})
		}
		activeSlugs[def.Slug] = true
	}

	names := make(map[string]bool)
	for i, in := range def.InputSchema {
		fp := fmt.Sprintf("%s.input_schema[%d]", prefix, i)
		if strings.TrimSpace(in.Name) == "" {
			errs = append(errs, VError{Path: fp + ".name", Code: "REQUIRED", Message: "field name is required"})
		} else if names[in.Name] {
			errs = append(errs, VError{Path: fp + ".name", Code: "DUPLICATE_ID", Message: fmt.Sprintf("field %q is declared twice", in.Name)})
		}
		names[in.Name] = true
		if in.Min != nil && in.Max != nil && *in.Min > *in.Max {
			errs = append(errs, VError{Path: fp, Code: "OUT_OF_RANGE", Message: "min must not exceed max"})
		}
		if (in.Type == model.FieldSelect || in.Type == model.FieldMultiSelect) && len(in.Options) == 0 {
			errs = append(errs, VError{Path: fp + ".options", Code: "REQUIRED", Message: "select fields need options"})
		}
	}

	if def.ReturnToStageOnChange != "" {
		if _, ok := stagePipeline[def.ReturnToStageOnChange]; !ok {
			errs = append(errs, VError{
				Path:    prefix + ".return_to_stage_on_change",
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("stage %q not found", def.ReturnToStageOnChange),
			})
		}
	}

	return errs
}

func (v *Validator) validateRule(
	prefix string,
	r model.StageTransitionRule,
	pipelineIDs map[string]bool,
	stagePipeline map[string]string,
	calcIDs, ruleIDs map[string]bool,
) []VError {
	var errs []VError

	if r.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	} else if ruleIDs[r.ID] {
		errs = append(errs, VError{Path: prefix + ".id", Code: "DUPLICATE_ID", Message: fmt.Sprintf("rule %q is defined twice", r.ID)})
	}
	ruleIDs[r.ID] = true

	if !pipelineIDs[r.PipelineID] {
		errs = append(errs, VError{Path: prefix + ".pipeline_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("pipeline %q not found", r.PipelineID)})
	}
	for _, ref := range [...]struct{ field, stageID string }{
		{"from_stage", r.FromStage},
		{"to_stage", r.ToStage},
	} {
		if ref.stageID == "" {
			continue
		}
		if owner, ok := stagePipeline[ref.stageID]; !ok || owner != r.PipelineID {
			errs = append(errs, VError{
				Path:    prefix + "." + ref.field,
				Code:    "REF_NOT_FOUND",
				Message: fmt.Sprintf("stage %q not found in pipeline %q", ref.stageID, r.PipelineID),
			})
		}
	}
	if r.Type != model.RuleCalculationChangeReturn && r.ToStage == "" {
		errs = append(errs, VError{Path: prefix + ".to_stage", Code: "REQUIRED", Message: "to_stage is required"})
	}

	cp := prefix + ".config"
	switch cfg := r.Config.(type) {
	case model.PropertyConfig:
		if cfg.PropertyName == "" {
			errs = append(errs, VError{Path: cp + ".property_name", Code: "REQUIRED", Message: "property_name is required"})
		}
	case model.ActionConfig:
		if cfg.ActionType == "" {
			errs = append(errs, VError{Path: cp + ".action_type", Code: "REQUIRED", Message: "action_type is required"})
		}
	case model.TouchpointConfig:
		if cfg.MinCount != nil && *cfg.MinCount < 0 {
			errs = append(errs, VError{Path: cp + ".min_count", Code: "OUT_OF_RANGE", Message: "min_count must not be negative"})
		}
		if cfg.MinCount != nil && cfg.MaxCount != nil && *cfg.MinCount > *cfg.MaxCount {
			errs = append(errs, VError{Path: cp, Code: "OUT_OF_RANGE", Message: "min_count must not exceed max_count"})
		}
	case model.CalculationConfig:
		if !calcIDs[cfg.CalculationID] {
			errs = append(errs, VError{Path: cp + ".calculation_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("calculation %q not found", cfg.CalculationID)})
		}
	case model.CalculationReturnConfig:
		if !calcIDs[cfg.CalculationID] {
			errs = append(errs, VError{Path: cp + ".calculation_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("calculation %q not found", cfg.CalculationID)})
		}
		if cfg.ReturnStageID == "" && r.ToStage == "" {
			errs = append(errs, VError{Path: cp + ".return_stage_id", Code: "REQUIRED", Message: "return_stage_id or to_stage is required"})
		}
		if cfg.ReturnStageID != "" {
			if _, ok := stagePipeline[cfg.ReturnStageID]; !ok {
				errs = append(errs, VError{Path: cp + ".return_stage_id", Code: "REF_NOT_FOUND", Message: fmt.Sprintf("stage %q not found", cfg.ReturnStageID)})
			}
		}
	case nil:
		errs = append(errs, VError{Path: prefix + ".rule_type", Code: "REQUIRED", Message: "rule_type is required"})
	}

	return errs
}

// Misconfigured converts validation errors into a CATALOG_MISCONFIGURED
// error for the tenant, or nil when there are none.
func Misconfigured(tenantID string, errs []VError) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return model.NewCatalogMisconfiguredError(
		fmt.Sprintf("catalog for tenant %q is invalid: %s", tenantID, strings.Join(msgs, "; ")),
	)
}
