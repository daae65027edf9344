package model

import (
	"fmt"
	"sort"
)

// Pipeline is an ordered sequence of stages a deal advances through.
type Pipeline struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	Stages []Stage `json:"stages" yaml:"stages"`
}

// Stage is a step in a pipeline.
type Stage struct {
	ID           string         `json:"id" yaml:"id"`
	PipelineID   string         `json:"pipeline_id" yaml:"pipeline_id"`
	Name         string         `json:"name" yaml:"name"`
	DisplayOrder int            `json:"display_order" yaml:"display_order"`
	Probability  int            `json:"probability" yaml:"probability"`
	IsWonStage   bool           `json:"is_won_stage" yaml:"is_won_stage"`
	IsLostStage  bool           `json:"is_lost_stage" yaml:"is_lost_stage"`
	Rules        map[string]any `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Blueprint is an alternate staged process overlaid on a pipeline.
type Blueprint struct {
	ID     string           `json:"id" yaml:"id"`
	Name   string           `json:"name" yaml:"name"`
	Stages []BlueprintStage `json:"stages" yaml:"stages"`
}

// BlueprintStage is a step in a blueprint with its own entry requirements.
type BlueprintStage struct {
	ID                 string         `json:"id" yaml:"id"`
	BlueprintID        string         `json:"blueprint_id" yaml:"blueprint_id"`
	Name               string         `json:"name" yaml:"name"`
	StageOrder         int            `json:"stage_order" yaml:"stage_order"`
	RequiredProperties []string       `json:"required_properties,omitempty" yaml:"required_properties,omitempty"`
	RequiredActions    []string       `json:"required_actions,omitempty" yaml:"required_actions,omitempty"`
	IsStartStage       bool           `json:"is_start_stage" yaml:"is_start_stage"`
	IsEndStage         bool           `json:"is_end_stage" yaml:"is_end_stage"`
	IsMilestone        bool           `json:"is_milestone" yaml:"is_milestone"`
	OnEnter            map[string]any `json:"on_enter,omitempty" yaml:"on_enter,omitempty"`
	OnExit             map[string]any `json:"on_exit,omitempty" yaml:"on_exit,omitempty"`
}

// TenantCatalog is an immutable snapshot of one tenant's pipelines,
// blueprints, calculations and transition rules.
type TenantCatalog struct {
	TenantID     string                  `json:"tenant_id" yaml:"tenant_id"`
	Pipelines    []Pipeline              `json:"pipelines" yaml:"pipelines"`
	Blueprints   []Blueprint             `json:"blueprints,omitempty" yaml:"blueprints,omitempty"`
	Calculations []CalculationDefinition `json:"calculations,omitempty" yaml:"calculations,omitempty"`
	Rules        []StageTransitionRule   `json:"rules,omitempty" yaml:"rules,omitempty"`
	Checksum     string                  `json:"checksum,omitempty" yaml:"-"`
	SourceFile   string                  `json:"-" yaml:"-"`
}

// Normalize fills parent identifiers on nested stages and sorts them by
// order. Loaders call it once before the snapshot is shared.
func (c *TenantCatalog) Normalize() {
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		for j := range p.Stages {
			p.Stages[j].PipelineID = p.ID
		}
		sort.SliceStable(p.Stages, func(a, b int) bool {
			return p.Stages[a].DisplayOrder < p.Stages[b].DisplayOrder
		})
	}
	for i := range c.Blueprints {
		bp := &c.Blueprints[i]
		for j := range bp.Stages {
			bp.Stages[j].BlueprintID = bp.ID
		}
		sort.SliceStable(bp.Stages, func(a, b int) bool {
			return bp.Stages[a].StageOrder < bp.Stages[b].StageOrder
		})
	}
	for i := range c.Rules {
		if c.Rules[i].TenantID == "" {
			c.Rules[i].TenantID = c.TenantID
		}
	}
}

// Pipeline returns the pipeline with the given ID.
func (c *TenantCatalog) Pipeline(id string) (Pipeline, bool) {
	for _, p := range c.Pipelines {
		if p.ID == id {
			return p, true
		}
	}
	return Pipeline{}, false
}

// Stage returns the stage with the given ID from any pipeline.
func (c *TenantCatalog) Stage(id string) (Stage, bool) {
	for _, p := range c.Pipelines {
		for _, s := range p.Stages {
			if s.ID == id {
				return s, true
			}
		}
	}
	return Stage{}, false
}

// FirstStage returns the lowest-ordered stage of a pipeline.
func (c *TenantCatalog) FirstStage(pipelineID string) (Stage, bool) {
	p, ok := c.Pipeline(pipelineID)
	if !ok || len(p.Stages) == 0 {
		return Stage{}, false
	}
	first := p.Stages[0]
	for _, s := range p.Stages[1:] {
		if s.DisplayOrder < first.DisplayOrder {
			first = s
		}
	}
	return first, true
}

// Blueprint returns the blueprint with the given ID.
func (c *TenantCatalog) Blueprint(id string) (Blueprint, bool) {
	for _, bp := range c.Blueprints {
		if bp.ID == id {
			return bp, true
		}
	}
	return Blueprint{}, false
}

// BlueprintStage returns the blueprint stage with the given ID.
func (c *TenantCatalog) BlueprintStage(id string) (BlueprintStage, bool) {
	for _, bp := range c.Blueprints {
		for _, s := range bp.Stages {
			if s.ID == id {
				return s, true
			}
		}
	}
	return BlueprintStage{}, false
}

// CalculationByID returns the calculation definition with the given ID,
// active or not.
func (c *TenantCatalog) CalculationByID(id string) (CalculationDefinition, bool) {
	for _, d := range c.Calculations {
		if d.ID == id {
			return d, true
		}
	}
	return CalculationDefinition{}, false
}

// ActiveCalculation resolves the single active definition for slug. No
// active definition is NOT_FOUND; more than one is CATALOG_MISCONFIGURED.
func (c *TenantCatalog) ActiveCalculation(slug string) (CalculationDefinition, error) {
	var found []CalculationDefinition
	for _, d := range c.Calculations {
		if d.Slug == slug && d.Active {
			found = append(found, d)
		}
	}
	switch len(found) {
	case 0:
		return CalculationDefinition{}, NewNotFoundError(
			fmt.Sprintf("calculation %q not found", slug),
		)
	case 1:
		return found[0], nil
	default:
		return CalculationDefinition{}, NewCatalogMisconfiguredError(
			fmt.Sprintf("calculation %q has %d active definitions", slug, len(found)),
		)
	}
}

// RulesFor returns the rules declared for a pipeline in declaration order.
func (c *TenantCatalog) RulesFor(pipelineID string) []StageTransitionRule {
	var out []StageTransitionRule
	for _, r := range c.Rules {
		if r.PipelineID == pipelineID {
			out = append(out, r)
		}
	}
	return out
}
