package model

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// RuleType names a kind of stage transition rule.
type RuleType string

// Supported rule types.
const (
	RuleRequireProperty         RuleType = "require_property"
	RuleRequireAction           RuleType = "require_action"
	RuleRequireTouchpoints      RuleType = "require_touchpoints"
	RuleRequireCalculation      RuleType = "require_calculation"
	RuleCalculationChangeReturn RuleType = "calculation_change_return"
)

// RuleConfig is the type-specific configuration of a StageTransitionRule.
// Exactly one concrete config type exists per RuleType.
type RuleConfig interface {
	RuleType() RuleType
}

// PropertyConfig configures a require_property rule.
type PropertyConfig struct {
	PropertyName string `json:"property_name" yaml:"property_name"`
}

// RuleType implements RuleConfig.
func (PropertyConfig) RuleType() RuleType { return RuleRequireProperty }

// ActionConfig configures a require_action rule.
type ActionConfig struct {
	ActionType string `json:"action_type" yaml:"action_type"`
}

// RuleType implements RuleConfig.
func (ActionConfig) RuleType() RuleType { return RuleRequireAction }

// TouchpointConfig configures a require_touchpoints rule. Only MinCount
// gates a move; MaxCount is advisory.
type TouchpointConfig struct {
	MinCount *int `json:"min_count,omitempty" yaml:"min_count,omitempty"`
	MaxCount *int `json:"max_count,omitempty" yaml:"max_count,omitempty"`
}

// RuleType implements RuleConfig.
func (TouchpointConfig) RuleType() RuleType { return RuleRequireTouchpoints }

// CalculationConfig configures a require_calculation rule.
type CalculationConfig struct {
	CalculationID  string `json:"calculation_id" yaml:"calculation_id"`
	MustBeComplete *bool  `json:"must_be_complete,omitempty" yaml:"must_be_complete,omitempty"`
}

// RuleType implements RuleConfig.
func (CalculationConfig) RuleType() RuleType { return RuleRequireCalculation }

// RequiresComplete returns the effective must_be_complete flag, which
// defaults to true.
func (c CalculationConfig) RequiresComplete() bool {
	return c.MustBeComplete == nil || *c.MustBeComplete
}

// CalculationReturnConfig configures a calculation_change_return rule. When
// ReturnStageID is empty the rule's ToStage is used.
type CalculationReturnConfig struct {
	CalculationID string `json:"calculation_id" yaml:"calculation_id"`
	ReturnStageID string `json:"return_stage_id,omitempty" yaml:"return_stage_id,omitempty"`
}

// RuleType implements RuleConfig.
func (CalculationReturnConfig) RuleType() RuleType { return RuleCalculationChangeReturn }

// StageTransitionRule gates moves between stages of a pipeline.
type StageTransitionRule struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id,omitempty"`
	PipelineID    string     `json:"pipeline_id"`
	FromStage     string     `json:"from_stage,omitempty"`
	ToStage       string     `json:"to_stage,omitempty"`
	Type          RuleType   `json:"rule_type"`
	Config        RuleConfig `json:"config"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	AllowOverride bool       `json:"allow_override"`
	Priority      int        `json:"priority"`
}

// ruleFields mirrors StageTransitionRule without the polymorphic config so
// the envelope can be decoded before the config variant is known.
type ruleFields struct {
	ID            string   `json:"id" yaml:"id"`
	TenantID      string   `json:"tenant_id" yaml:"tenant_id"`
	PipelineID    string   `json:"pipeline_id" yaml:"pipeline_id"`
	FromStage     string   `json:"from_stage" yaml:"from_stage"`
	ToStage       string   `json:"to_stage" yaml:"to_stage"`
	Type          RuleType `json:"rule_type" yaml:"rule_type"`
	ErrorMessage  string   `json:"error_message" yaml:"error_message"`
	AllowOverride bool     `json:"allow_override" yaml:"allow_override"`
	Priority      int      `json:"priority" yaml:"priority"`
}

func (f ruleFields) rule(cfg RuleConfig) StageTransitionRule {
	return StageTransitionRule{
		ID:            f.ID,
		TenantID:      f.TenantID,
		PipelineID:    f.PipelineID,
		FromStage:     f.FromStage,
		ToStage:       f.ToStage,
		Type:          f.Type,
		Config:        cfg,
		ErrorMessage:  f.ErrorMessage,
		AllowOverride: f.AllowOverride,
		Priority:      f.Priority,
	}
}

// UnmarshalJSON decodes a rule, selecting the config variant by rule_type.
func (r *StageTransitionRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		ruleFields
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cfg, err := DecodeRuleConfig(raw.Type, func(v any) error {
		if len(raw.Config) == 0 || string(raw.Config) == "null" {
			return nil
		}
		return json.Unmarshal(raw.Config, v)
	})
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.ID, err)
	}
	*r = raw.rule(cfg)
	return nil
}

// UnmarshalYAML decodes a rule, selecting the config variant by rule_type.
func (r *StageTransitionRule) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ruleFields `yaml:",inline"`
		Config     yaml.Node `yaml:"config"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	cfg, err := DecodeRuleConfig(raw.Type, func(v any) error {
		if raw.Config.Kind == 0 {
			return nil
		}
		return raw.Config.Decode(v)
	})
	if err != nil {
		return fmt.Errorf("rule %q: %w", raw.ID, err)
	}
	*r = raw.rule(cfg)
	return nil
}

// DecodeRuleConfig builds the config variant for ruleType using decode to
// populate it.
func DecodeRuleConfig(ruleType RuleType, decode func(v any) error) (RuleConfig, error) {
	switch ruleType {
	case RuleRequireProperty:
		var c PropertyConfig
		err := decode(&c)
		return c, err
	case RuleRequireAction:
		var c ActionConfig
		err := decode(&c)
		return c, err
	case RuleRequireTouchpoints:
		var c TouchpointConfig
		err := decode(&c)
		return c, err
	case RuleRequireCalculation:
		var c CalculationConfig
		err := decode(&c)
		return c, err
	case RuleCalculationChangeReturn:
		var c CalculationReturnConfig
		err := decode(&c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown rule_type %q", ruleType)
	}
}

// Requirement is a single unmet precondition reported by the validator.
type Requirement struct {
	RuleID        string   `json:"rule_id"`
	Type          RuleType `json:"rule_type"`
	Key           string   `json:"key"`
	Message       string   `json:"message"`
	AllowOverride bool     `json:"allow_override"`
	Current       *int     `json:"current,omitempty"`
	Required      *int     `json:"required,omitempty"`
}

// ValidationResult is the outcome of evaluating transition rules for a
// proposed move.
type ValidationResult struct {
	CanMove     bool          `json:"can_move"`
	Missing     []Requirement `json:"missing"`
	Message     string        `json:"message,omitempty"`
	Overridable bool          `json:"overridable"`
	Warnings    []string      `json:"warnings,omitempty"`
}
