// Package deal is the deal state machine: it moves deals between pipeline
// and blueprint stages, applies won and lost outcomes, and returns deals to
// an earlier stage when the inputs of a completed calculation change.
package deal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/activity"
	"github.com/pitabwire/dealflow/internal/calculation"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/timeline"
	"github.com/pitabwire/dealflow/internal/transition"
	"github.com/pitabwire/dealflow/model"
)

// RuleClosedDeal is the synthetic requirement reported when a won or lost
// deal is moved while closed deals are guarded.
const RuleClosedDeal model.RuleType = "closed_deal"

// Catalogs loads the catalog snapshot of a tenant.
type Catalogs interface {
	Load(ctx context.Context, tenantID string) (*model.TenantCatalog, error)
}

// MoveOptions are the caller's choices for a stage move.
type MoveOptions struct {
	// Override asks to bypass violated rules. It is honoured only when every
	// violated rule allows override and the actor may override.
	Override bool
	Reason   string
}

// NewDeal describes a deal to create. An empty StageID places the deal on
// the first stage of the pipeline.
type NewDeal struct {
	PipelineID        string         `json:"pipeline_id"`
	StageID           string         `json:"stage_id,omitempty"`
	Name              string         `json:"name,omitempty"`
	Amount            *float64       `json:"amount,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	OwnerID           string         `json:"owner_id,omitempty"`
	ContactID         string         `json:"contact_id,omitempty"`
	ExpectedCloseDate *time.Time     `json:"expected_close_date,omitempty"`
	CustomProperties  map[string]any `json:"custom_properties,omitempty"`
}

// CalculationUpdate is the outcome of UpdateCalculationInputs.
type CalculationUpdate struct {
	Result      model.CalculationResult `json:"result"`
	Deal        model.Deal              `json:"deal"`
	Returned    bool                    `json:"returned"`
	FieldErrors []model.FieldError      `json:"field_errors,omitempty"`
}

// Service orchestrates deal operations over a Store.
type Service struct {
	store       Store
	catalogs    Catalogs
	actions     activity.Log
	sink        timeline.Sink
	validator   *transition.Validator
	runner      *calculation.Runner
	logger      *zap.Logger
	redactor    *observability.Redactor
	metrics     *observability.Metrics
	retries     int
	guardClosed bool
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRedactor sets the masking applied to calculation inputs and action
// data in debug logs.
func WithRedactor(r *observability.Redactor) Option {
	return func(s *Service) { s.redactor = r }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithConflictRetries sets how many times ExecuteMove and the other
// read-modify-write operations retry after a version conflict.
func WithConflictRetries(n int) Option {
	return func(s *Service) { s.retries = n }
}

// WithClosedDealGuard makes moves out of won and lost stages require an
// override.
func WithClosedDealGuard(enabled bool) Option {
	return func(s *Service) { s.guardClosed = enabled }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a deal service.
func NewService(
	store Store,
	catalogs Catalogs,
	actions activity.Log,
	sink timeline.Sink,
	opts ...Option,
) *Service {
	s := &Service{
		store:     store,
		catalogs:  catalogs,
		actions:   actions,
		sink:      sink,
		validator: transition.NewValidator(actions, store),
		runner:    calculation.NewRunner(),
		logger:    zap.NewNop(),
		redactor:  observability.NewRedactor(),
		retries:   2,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Deals ---

// CreateDeal creates an open deal on a stage of the given pipeline.
func (s *Service) CreateDeal(ctx context.Context, tenantID string, req NewDeal) (model.Deal, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return model.Deal{}, err
	}

	if _, ok := cat.Pipeline(req.PipelineID); !ok {
		return model.Deal{}, model.NewValidationError([]model.FieldError{{
			Field: "pipeline_id", Code: "UNKNOWN_PIPELINE",
			Message: fmt.Sprintf("pipeline %q not found", req.PipelineID),
		}})
	}

	var stage model.Stage
	if req.StageID == "" {
		first, ok := cat.FirstStage(req.PipelineID)
		if !ok {
			return model.Deal{}, model.NewCatalogMisconfiguredError(
				fmt.Sprintf("pipeline %q has no stages", req.PipelineID),
			)
		}
		stage = first
	} else {
		st, ok := cat.Stage(req.StageID)
		if !ok || st.PipelineID != req.PipelineID {
			return model.Deal{}, model.NewValidationError([]model.FieldError{{
				Field: "stage_id", Code: "UNKNOWN_STAGE",
				Message: fmt.Sprintf("stage %q is not part of pipeline %q", req.StageID, req.PipelineID),
			}})
		}
		stage = st
	}

	amount := req.Amount
	if amount != nil {
		cents := calculation.RoundAmount(*amount)
		amount = &cents
	}

	now := s.now()
	d := model.Deal{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		Name:              req.Name,
		Amount:            amount,
		Currency:          req.Currency,
		OwnerID:           req.OwnerID,
		ContactID:         req.ContactID,
		ExpectedCloseDate: req.ExpectedCloseDate,
		CustomProperties:  req.CustomProperties,
		Status:            model.DealStatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	applyStage(&d, stage, now)

	created, err := s.store.CreateDeal(ctx, d)
	if err != nil {
		return model.Deal{}, err
	}
	observability.DealLogger(ctx, s.logger, tenantID, created.ID).Info("deal created",
		zap.String("pipeline_id", created.PipelineID),
		zap.String("stage_id", created.StageID),
	)
	return created, nil
}

// GetDeal returns a deal.
func (s *Service) GetDeal(ctx context.Context, tenantID, dealID string) (model.Deal, error) {
	return s.store.GetDeal(ctx, tenantID, dealID)
}

// RecordTouchpoint adds count touchpoints to a deal.
func (s *Service) RecordTouchpoint(ctx context.Context, tenantID, dealID string, count int) (model.Deal, error) {
	if count < 1 {
		return model.Deal{}, model.NewValidationError([]model.FieldError{{
			Field: "count", Code: "OUT_OF_RANGE", Message: "count must be at least 1",
		}})
	}
	var saved model.Deal
	err := s.withRetry(ctx, "record_touchpoint", func() error {
		d, err := s.store.GetDeal(ctx, tenantID, dealID)
		if err != nil {
			return err
		}
		expected := d.Version
		d.TouchpointCount += count
		saved, err = s.store.SaveDeal(ctx, d, expected)
		return err
	})
	return saved, err
}

// LogAction records an action against a deal.
func (s *Service) LogAction(
	ctx context.Context,
	tenantID, dealID, actionType string,
	actor model.Actor,
	data map[string]any,
) (model.DealAction, error) {
	if _, err := s.store.GetDeal(ctx, tenantID, dealID); err != nil {
		return model.DealAction{}, err
	}
	action := model.DealAction{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		DealID:     dealID,
		ActionType: actionType,
		ActorID:    actor.ID,
		Data:       data,
		LoggedAt:   s.now(),
	}
	if err := s.actions.LogAction(ctx, action); err != nil {
		return model.DealAction{}, err
	}
	observability.DealLogger(ctx, s.logger, tenantID, dealID).Debug("action logged",
		zap.String("action_type", actionType),
		s.redactor.Field("data", data),
	)
	return action, nil
}

// --- Pipeline stage moves ---

// ValidateMove is a dry run of a move: it reports what would block it
// without changing anything.
func (s *Service) ValidateMove(ctx context.Context, tenantID, dealID, targetStageID string) (model.ValidationResult, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	d, err := s.store.GetDeal(ctx, tenantID, dealID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	return s.validate(ctx, cat, d, targetStageID)
}

// ExecuteMove loads the deal and moves it to targetStageID. A version
// conflict reloads the deal and re-validates, up to the configured number
// of retries.
func (s *Service) ExecuteMove(
	ctx context.Context,
	tenantID, dealID, targetStageID string,
	actor model.Actor,
	override bool,
	reason string,
) (model.Deal, error) {
	ctx, span := observability.StartSpan(ctx, "deal.execute_move",
		observability.AttrTenantID.String(tenantID),
		observability.AttrDealID.String(dealID),
		observability.AttrToStageID.String(targetStageID),
		observability.AttrOverride.Bool(override),
	)
	start := time.Now()

	var moved model.Deal
	err := s.withRetry(ctx, "execute_move", func() error {
		cat, err := s.catalogs.Load(ctx, tenantID)
		if err != nil {
			return err
		}
		d, err := s.store.GetDeal(ctx, tenantID, dealID)
		if err != nil {
			return err
		}
		span.SetAttributes(observability.AttrFromStageID.String(d.StageID))
		moved, err = s.MoveStage(ctx, cat, d, targetStageID, actor, MoveOptions{Override: override, Reason: reason})
		return err
	})

	s.metrics.RecordOperation("execute_move", time.Since(start))
	observability.EndSpanWithError(span, err)
	return moved, err
}

// MoveStage moves d to targetStageID. The write is conditioned on d's
// version; a concurrent change fails with CONCURRENT_MODIFICATION and is not
// retried here. Moving to the current stage is a no-op.
func (s *Service) MoveStage(
	ctx context.Context,
	cat *model.TenantCatalog,
	d model.Deal,
	targetStageID string,
	actor model.Actor,
	opts MoveOptions,
) (model.Deal, error) {
	if err := ctx.Err(); err != nil {
		return model.Deal{}, err
	}
	if targetStageID == d.StageID {
		return d, nil
	}

	logger := observability.DealLogger(ctx, s.logger, d.TenantID, d.ID).With(
		zap.String("from_stage_id", d.StageID),
		zap.String("to_stage_id", targetStageID),
	)

	// 1. Evaluate the rules gating the move.
	result, err := s.validate(ctx, cat, d, targetStageID)
	if err != nil {
		s.metrics.RecordStageMove(observability.MoveError)
		return model.Deal{}, err
	}

	// 2. A denied move proceeds only as a privileged override.
	var overridden []model.Requirement
	if !result.CanMove {
		if !opts.Override || !result.Overridable {
			s.metrics.RecordStageMove(observability.MoveDenied)
			logger.Info("stage move denied", zap.Int("violations", len(result.Missing)))
			return model.Deal{}, model.NewTransitionDeniedError(result.Message, result.Missing)
		}
		if !actor.CanOverride {
			s.metrics.RecordStageMove(observability.MoveDenied)
			return model.Deal{}, model.NewForbiddenError("overriding stage requirements is not permitted")
		}
		overridden = result.Missing
	}

	// 3. Apply the stage and its outcome.
	target, _ := cat.Stage(targetStageID)
	from := d.StageID
	expected := d.Version
	applyStage(&d, target, s.now())

	// 4. Persist against the version that was validated.
	saved, err := s.store.SaveDeal(ctx, d, expected)
	if err != nil {
		if model.IsCode(err, model.ErrConcurrentModification) {
			s.metrics.RecordStageMove(observability.MoveConflict)
		} else {
			s.metrics.RecordStageMove(observability.MoveError)
		}
		return model.Deal{}, err
	}

	if overridden != nil {
		s.metrics.RecordStageMove(observability.MoveOverridden)
	} else {
		s.metrics.RecordStageMove(observability.MoveAllowed)
	}
	logger.Info("stage moved",
		zap.String("status", saved.Status),
		zap.Bool("override", overridden != nil),
	)

	// 5. Record on the timeline.
	s.emit(ctx, model.StageChangeEvent{
		TenantID:    saved.TenantID,
		DealID:      saved.ID,
		Kind:        model.EventStageChanged,
		FromStageID: from,
		ToStageID:   saved.StageID,
		ActorID:     actor.ID,
		Reason:      opts.Reason,
		Override:    overridden != nil,
		Overridden:  overridden,
		Data:        map[string]any{"status": saved.Status},
	})
	return saved, nil
}

// validate runs the transition validator and adds the closed deal guard.
func (s *Service) validate(
	ctx context.Context,
	cat *model.TenantCatalog,
	d model.Deal,
	targetStageID string,
) (model.ValidationResult, error) {
	result, err := s.validator.Validate(ctx, cat, d, targetStageID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	if !s.guardClosed || d.Status == model.DealStatusOpen || targetStageID == d.StageID {
		return result, nil
	}

	msg := fmt.Sprintf("Deal is %s; moving it requires an override", d.Status)
	if result.CanMove {
		result.Overridable = true
		result.Message = msg
	} else {
		result.Message = msg + "; " + result.Message
	}
	result.Missing = append([]model.Requirement{{
		Type:          RuleClosedDeal,
		Key:           d.Status,
		Message:       msg,
		AllowOverride: true,
	}}, result.Missing...)
	result.CanMove = false
	return result, nil
}

// applyStage puts d on stage. Won and lost stages close the deal; any other
// stage reopens it.
func applyStage(d *model.Deal, stage model.Stage, now time.Time) {
	d.PipelineID = stage.PipelineID
	d.StageID = stage.ID
	switch {
	case stage.IsWonStage:
		d.Status = model.DealStatusWon
		d.WonAt = &now
		d.LostAt = nil
	case stage.IsLostStage:
		d.Status = model.DealStatusLost
		d.LostAt = &now
		d.WonAt = nil
	default:
		d.Status = model.DealStatusOpen
		d.WonAt = nil
		d.LostAt = nil
	}
}

// --- Calculations ---

// UpdateCalculationInputs submits inputs for the deal's calculation
// identified by slug. The result is stored even when incomplete. When the
// inputs of a previously completed result change, the deal returns to the
// calculation's return stage in the same write.
func (s *Service) UpdateCalculationInputs(
	ctx context.Context,
	tenantID, dealID, slug string,
	inputs map[string]any,
	actor model.Actor,
) (CalculationUpdate, error) {
	ctx, span := observability.StartSpan(ctx, "deal.update_calculation_inputs",
		observability.AttrTenantID.String(tenantID),
		observability.AttrDealID.String(dealID),
		observability.AttrCalculation.String(slug),
	)
	start := time.Now()

	var update CalculationUpdate
	err := s.withRetry(ctx, "update_calculation", func() error {
		var err error
		update, err = s.updateCalculation(ctx, tenantID, dealID, slug, inputs, actor)
		return err
	})

	s.metrics.RecordOperation("update_calculation", time.Since(start))
	span.SetAttributes(observability.AttrAutoReturn.Bool(update.Returned))
	observability.EndSpanWithError(span, err)
	return update, err
}

func (s *Service) updateCalculation(
	ctx context.Context,
	tenantID, dealID, slug string,
	inputs map[string]any,
	actor model.Actor,
) (CalculationUpdate, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return CalculationUpdate{}, err
	}
	d, err := s.store.GetDeal(ctx, tenantID, dealID)
	if err != nil {
		return CalculationUpdate{}, err
	}
	observability.DealLogger(ctx, s.logger, tenantID, dealID).Debug("calculation inputs submitted",
		zap.String("calculation", slug),
		zap.Int("version", d.Version),
		s.redactor.Field("inputs", inputs),
	)

	// 1. Validate and compute.
	sub, err := s.runner.SubmitInputs(ctx, cat, s.store, tenantID, dealID, slug, inputs)
	if err != nil {
		return CalculationUpdate{}, err
	}

	// 2. Decide on an automatic return. Only a change to a previously
	// completed result sends the deal back.
	from := d.StageID
	expected := d.Version
	returned := false
	if sub.Previous != nil && sub.Previous.IsComplete && sub.InputsChanged {
		stage, ok, err := returnStageFor(cat, d, sub.Definition)
		if err != nil {
			return CalculationUpdate{}, err
		}
		if ok {
			applyStage(&d, stage, s.now())
			returned = true
		}
	}

	// 3. Persist result and deal as one unit.
	result, saved, err := s.store.UpsertCalculationResult(ctx, sub.Result, d, expected)
	if err != nil {
		return CalculationUpdate{}, err
	}
	s.metrics.RecordCalculationSubmission(slug, result.Status)

	if returned {
		s.autoReturned(ctx, saved, from, sub.Definition, actor)
	}
	return CalculationUpdate{
		Result:      result,
		Deal:        saved,
		Returned:    returned,
		FieldErrors: sub.FieldErrors,
	}, nil
}

// GetCalculation returns the deal's current result for the calculation
// identified by slug. A calculation never submitted for the deal reports
// status pending.
func (s *Service) GetCalculation(ctx context.Context, tenantID, dealID, slug string) (model.CalculationResult, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return model.CalculationResult{}, err
	}
	def, err := cat.ActiveCalculation(slug)
	if err != nil {
		return model.CalculationResult{}, err
	}
	if _, err := s.store.GetDeal(ctx, tenantID, dealID); err != nil {
		return model.CalculationResult{}, err
	}
	res, err := s.store.GetCalculationResult(ctx, tenantID, dealID, def.ID)
	if err != nil {
		return model.CalculationResult{}, err
	}
	if res == nil {
		return model.CalculationResult{
			TenantID:           tenantID,
			DealID:             dealID,
			CalculationID:      def.ID,
			CalculationVersion: def.Version,
			Inputs:             map[string]any{},
			Status:             model.CalculationPending,
		}, nil
	}
	return *res, nil
}

// OnCalculationInputsChanged returns d to the calculation's return stage
// when a required input differs between oldInputs and newInputs and the
// deal sits past that stage. The move bypasses the transition rules. It
// reports whether the deal was returned.
func (s *Service) OnCalculationInputsChanged(
	ctx context.Context,
	cat *model.TenantCatalog,
	d model.Deal,
	def model.CalculationDefinition,
	oldInputs, newInputs map[string]any,
	actor model.Actor,
) (model.Deal, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Deal{}, false, err
	}
	changed, err := calculation.RequiredInputsChanged(def, oldInputs, newInputs)
	if err != nil || !changed {
		return d, false, err
	}
	stage, ok, err := returnStageFor(cat, d, def)
	if err != nil || !ok {
		return d, false, err
	}

	from := d.StageID
	expected := d.Version
	applyStage(&d, stage, s.now())
	saved, err := s.store.SaveDeal(ctx, d, expected)
	if err != nil {
		return model.Deal{}, false, err
	}
	s.autoReturned(ctx, saved, from, def, actor)
	return saved, true, nil
}

// returnStageFor resolves where a change to def sends d. It reports false
// when def has no return stage or d is not past it.
func returnStageFor(cat *model.TenantCatalog, d model.Deal, def model.CalculationDefinition) (model.Stage, bool, error) {
	stageID := def.ReturnToStageOnChange
	if stageID == "" {
		stageID = returnRuleStage(cat.RulesFor(d.PipelineID), d.StageID, def.ID)
	}
	if stageID == "" {
		return model.Stage{}, false, nil
	}

	target, ok := cat.Stage(stageID)
	if !ok {
		return model.Stage{}, false, model.NewCatalogMisconfiguredError(
			fmt.Sprintf("calculation %q returns to unknown stage %q", def.Slug, stageID),
		)
	}
	current, ok := cat.Stage(d.StageID)
	if !ok {
		return model.Stage{}, false, model.NewCatalogMisconfiguredError(
			fmt.Sprintf("deal %q is on unknown stage %q", d.ID, d.StageID),
		)
	}
	if current.DisplayOrder <= target.DisplayOrder {
		return model.Stage{}, false, nil
	}
	return target, true, nil
}

// returnRuleStage picks the first calculation_change_return rule, by
// priority, that applies to calculationID from the current stage.
func returnRuleStage(rules []model.StageTransitionRule, currentStageID, calculationID string) string {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
	for _, r := range rules {
		cfg, ok := r.Config.(model.CalculationReturnConfig)
		if !ok || cfg.CalculationID != calculationID {
			continue
		}
		if r.FromStage != "" && r.FromStage != currentStageID {
			continue
		}
		if cfg.ReturnStageID != "" {
			return cfg.ReturnStageID
		}
		return r.ToStage
	}
	return ""
}

func (s *Service) autoReturned(
	ctx context.Context,
	saved model.Deal,
	from string,
	def model.CalculationDefinition,
	actor model.Actor,
) {
	s.metrics.RecordAutoReturn(def.Slug)
	observability.DealLogger(ctx, s.logger, saved.TenantID, saved.ID).Info("deal returned after calculation change",
		zap.String("calculation", def.Slug),
		zap.String("from_stage_id", from),
		zap.String("to_stage_id", saved.StageID),
	)
	s.emit(ctx, model.StageChangeEvent{
		TenantID:    saved.TenantID,
		DealID:      saved.ID,
		Kind:        model.EventStageChanged,
		FromStageID: from,
		ToStageID:   saved.StageID,
		ActorID:     actor.ID,
		Reason:      model.AutoReturnReason,
		AutoReturn:  true,
		Data:        map[string]any{"calculation_id": def.ID, "calculation_slug": def.Slug},
	})
}

// --- Blueprints ---

// AssignBlueprint puts the deal on the start stage of a blueprint.
func (s *Service) AssignBlueprint(
	ctx context.Context,
	tenantID, dealID, blueprintID string,
	actor model.Actor,
) (model.Deal, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return model.Deal{}, err
	}
	bp, ok := cat.Blueprint(blueprintID)
	if !ok {
		return model.Deal{}, model.NewNotFoundError(fmt.Sprintf("blueprint %q not found", blueprintID))
	}
	start, ok := startStage(bp)
	if !ok {
		return model.Deal{}, model.NewCatalogMisconfiguredError(
			fmt.Sprintf("blueprint %q has no stages", blueprintID),
		)
	}

	var saved model.Deal
	var from string
	err = s.withRetry(ctx, "assign_blueprint", func() error {
		d, err := s.store.GetDeal(ctx, tenantID, dealID)
		if err != nil {
			return err
		}
		expected := d.Version
		from = d.CurrentBlueprintStageID
		d.BlueprintID = bp.ID
		d.CurrentBlueprintStageID = start.ID
		saved, err = s.store.SaveDeal(ctx, d, expected)
		return err
	})
	if err != nil {
		return model.Deal{}, err
	}

	s.emit(ctx, model.StageChangeEvent{
		TenantID:    saved.TenantID,
		DealID:      saved.ID,
		Kind:        model.EventBlueprintStageChanged,
		FromStageID: from,
		ToStageID:   start.ID,
		ActorID:     actor.ID,
		Reason:      "Blueprint assigned",
		Data:        map[string]any{"blueprint_id": bp.ID, "on_enter": start.OnEnter},
	})
	return saved, nil
}

func startStage(bp model.Blueprint) (model.BlueprintStage, bool) {
	for _, st := range bp.Stages {
		if st.IsStartStage {
			return st, true
		}
	}
	if len(bp.Stages) == 0 {
		return model.BlueprintStage{}, false
	}
	return bp.Stages[0], true
}

// ValidateBlueprintMove is a dry run of a blueprint stage move.
func (s *Service) ValidateBlueprintMove(
	ctx context.Context,
	tenantID, dealID, targetID string,
) (model.ValidationResult, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	d, err := s.store.GetDeal(ctx, tenantID, dealID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	target, err := blueprintTarget(cat, d, targetID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	return s.validator.ValidateBlueprint(ctx, d, target)
}

// ExecuteBlueprintMove moves the deal to another stage of its blueprint.
// Blueprint requirements cannot be overridden.
func (s *Service) ExecuteBlueprintMove(
	ctx context.Context,
	tenantID, dealID, targetID string,
	actor model.Actor,
	reason string,
) (model.Deal, error) {
	cat, err := s.catalogs.Load(ctx, tenantID)
	if err != nil {
		return model.Deal{}, err
	}

	var (
		saved     model.Deal
		fromStage model.BlueprintStage
		target    model.BlueprintStage
		unchanged bool
	)
	err = s.withRetry(ctx, "execute_blueprint_move", func() error {
		d, err := s.store.GetDeal(ctx, tenantID, dealID)
		if err != nil {
			return err
		}
		target, err = blueprintTarget(cat, d, targetID)
		if err != nil {
			return err
		}
		if d.CurrentBlueprintStageID == target.ID {
			saved, unchanged = d, true
			return nil
		}
		result, err := s.validator.ValidateBlueprint(ctx, d, target)
		if err != nil {
			return err
		}
		if !result.CanMove {
			s.metrics.RecordBlueprintMove(observability.MoveDenied)
			return model.NewTransitionDeniedError(result.Message, result.Missing)
		}
		fromStage, _ = cat.BlueprintStage(d.CurrentBlueprintStageID)
		expected := d.Version
		d.CurrentBlueprintStageID = target.ID
		saved, err = s.store.SaveDeal(ctx, d, expected)
		return err
	})
	if err != nil || unchanged {
		return saved, err
	}
	s.metrics.RecordBlueprintMove(observability.MoveAllowed)

	s.emit(ctx, model.StageChangeEvent{
		TenantID:    saved.TenantID,
		DealID:      saved.ID,
		Kind:        model.EventBlueprintStageChanged,
		FromStageID: fromStage.ID,
		ToStageID:   target.ID,
		ActorID:     actor.ID,
		Reason:      reason,
		Data: map[string]any{
			"blueprint_id": saved.BlueprintID,
			"on_exit":      fromStage.OnExit,
			"on_enter":     target.OnEnter,
			"is_milestone": target.IsMilestone,
			"is_end_stage": target.IsEndStage,
		},
	})
	return saved, nil
}

func blueprintTarget(cat *model.TenantCatalog, d model.Deal, targetID string) (model.BlueprintStage, error) {
	if d.BlueprintID == "" {
		return model.BlueprintStage{}, model.NewValidationError([]model.FieldError{{
			Field: "blueprint_stage_id", Code: "NO_BLUEPRINT",
			Message: fmt.Sprintf("deal %q has no blueprint assigned", d.ID),
		}})
	}
	target, ok := cat.BlueprintStage(targetID)
	if !ok {
		return model.BlueprintStage{}, model.NewNotFoundError(
			fmt.Sprintf("blueprint stage %q not found", targetID),
		)
	}
	if target.BlueprintID != d.BlueprintID {
		return model.BlueprintStage{}, model.NewValidationError([]model.FieldError{{
			Field: "blueprint_stage_id", Code: "BLUEPRINT_MISMATCH",
			Message: fmt.Sprintf("stage %q does not belong to blueprint %q", targetID, d.BlueprintID),
		}})
	}
	return target, nil
}

// --- Helpers ---

// withRetry runs fn again after a version conflict, up to the configured
// number of retries.
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !model.IsCode(err, model.ErrConcurrentModification) {
			return err
		}
		s.metrics.RecordConcurrentModification(operation)
		if attempt >= s.retries {
			observability.RequestLogger(ctx, s.logger).Warn("version conflict, giving up",
				zap.String("operation", operation),
				zap.Int("attempts", attempt+1),
			)
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

// emit delivers event to the timeline. Failures are logged and counted;
// the change they describe is already committed.
func (s *Service) emit(ctx context.Context, event model.StageChangeEvent) {
	if s.sink == nil {
		return
	}
	event.ID = uuid.New().String()
	event.OccurredAt = s.now()

	err := s.sink.Emit(context.WithoutCancel(ctx), event)
	if err == nil {
		return
	}

	var emitErr *timeline.EmitError
	if errors.As(err, &emitErr) {
		for _, f := range emitErr.Failures {
			s.metrics.RecordTimelineEmitFailure(f.Sink)
		}
	} else {
		s.metrics.RecordTimelineEmitFailure("timeline")
	}
	observability.DealLogger(ctx, s.logger, event.TenantID, event.DealID).Warn("timeline emit failed",
		zap.String("kind", event.Kind),
		zap.Error(err),
	)
}
