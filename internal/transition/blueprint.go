package transition

import (
	"context"
	"fmt"
	"strings"

	"github.com/pitabwire/dealflow/model"
)

// Synthetic rule types reported for blueprint stage entry requirements.
const (
	BlueprintPropertyRequirement model.RuleType = "blueprint_required_property"
	BlueprintActionRequirement   model.RuleType = "blueprint_required_action"
)

// ValidateBlueprint checks the entry requirements of a blueprint stage:
// every required property must be set and every required action logged.
// Blueprint requirements cannot be overridden.
func (v *Validator) ValidateBlueprint(
	ctx context.Context,
	deal model.Deal,
	target model.BlueprintStage,
) (model.ValidationResult, error) {
	result := model.ValidationResult{Missing: []model.Requirement{}}

	for _, prop := range target.RequiredProperties {
		if deal.HasProperty(prop) {
			continue
		}
		result.Missing = append(result.Missing, model.Requirement{
			RuleID:  target.ID,
			Type:    BlueprintPropertyRequirement,
			Key:     prop,
			Message: fmt.Sprintf("%s is required to enter %s", prop, target.Name),
		})
	}

	for _, action := range target.RequiredActions {
		if err := ctx.Err(); err != nil {
			return model.ValidationResult{}, err
		}
		logged, err := v.actions.HasLoggedAction(ctx, deal.TenantID, deal.ID, action)
		if err != nil {
			return model.ValidationResult{}, fmt.Errorf("check action %q: %w", action, err)
		}
		if logged {
			continue
		}
		result.Missing = append(result.Missing, model.Requirement{
			RuleID:  target.ID,
			Type:    BlueprintActionRequirement,
			Key:     action,
			Message: fmt.Sprintf("Action %q must be logged to enter %s", action, target.Name),
		})
	}

	messages := make([]string, 0, len(result.Missing))
	for _, m := range result.Missing {
		messages = append(messages, m.Message)
	}
	result.CanMove = len(result.Missing) == 0
	result.Message = strings.Join(messages, "; ")
	return result, nil
}
