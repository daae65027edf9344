package deal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/dealflow/internal/activity"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/timeline"
	"github.com/pitabwire/dealflow/model"
)

// --- Test helpers ---

const tenant = "tenant-1"

type staticCatalogs struct {
	cat *model.TenantCatalog
}

func (s staticCatalogs) Load(_ context.Context, tenantID string) (*model.TenantCatalog, error) {
	if tenantID != s.cat.TenantID {
		return nil, model.NewNotFoundError("tenant catalog not found")
	}
	return s.cat, nil
}

func intp(n int) *int { return &n }

func fptr(f float64) *float64 { return &f }

// testCatalog returns a sales pipeline ordered lead(1) .. negotiation(6),
// won(7), lost(8), plus a renewals pipeline and an onboarding blueprint.
func testCatalog() *model.TenantCatalog {
	cat := &model.TenantCatalog{
		TenantID: tenant,
		Pipelines: []model.Pipeline{
			{
				ID: "sales",
				Stages: []model.Stage{
					{ID: "lead", DisplayOrder: 1},
					{ID: "contacted", DisplayOrder: 2},
					{ID: "qualification", DisplayOrder: 3},
					{ID: "discovery", DisplayOrder: 4},
					{ID: "proposal", DisplayOrder: 5},
					{ID: "negotiation", DisplayOrder: 6},
					{ID: "won", DisplayOrder: 7, IsWonStage: true, Probability: 100},
					{ID: "lost", DisplayOrder: 8, IsLostStage: true},
				},
			},
			{
				ID: "renewals",
				Stages: []model.Stage{
					{ID: "renewal-review", DisplayOrder: 1},
					{ID: "renewal-signed", DisplayOrder: 2},
				},
			},
		},
		Blueprints: []model.Blueprint{{
			ID: "onboarding",
			Stages: []model.BlueprintStage{
				{ID: "kickoff", StageOrder: 1, IsStartStage: true},
				{ID: "setup", StageOrder: 2, RequiredProperties: []string{"contact_id"},
					RequiredActions: []string{"kickoff_call"}, OnEnter: map[string]any{"notify": "cs"}},
				{ID: "live", StageOrder: 3, IsEndStage: true, IsMilestone: true},
			},
		}},
		Calculations: []model.CalculationDefinition{
			{
				ID: "calc-count", Slug: "count_doubler", Version: 1, Active: true,
				InputSchema:           []model.InputField{{Name: "count", Type: model.FieldInteger, Required: true, Min: fptr(1)}},
				OutputSchema:          []model.OutputField{{Name: "total", Type: "integer"}},
				ReturnToStageOnChange: "qualification",
			},
			{
				ID: "calc-value", Slug: "deal_value", Version: 1, Active: true,
				InputSchema: []model.InputField{
					{Name: "unit_price", Type: model.FieldCurrency, Required: true},
					{Name: "quantity", Type: model.FieldInteger, Required: true, Min: fptr(1)},
					{Name: "discount_percent", Type: model.FieldInteger, Min: fptr(0), Max: fptr(100)},
				},
			},
		},
		Rules: []model.StageTransitionRule{
			{
				ID: "r-touch", PipelineID: "sales", ToStage: "negotiation",
				Type: model.RuleRequireTouchpoints, Config: model.TouchpointConfig{MinCount: intp(6)},
				AllowOverride: true, Priority: 1,
			},
			{
				ID: "r-count", PipelineID: "sales", ToStage: "proposal",
				Type: model.RuleRequireCalculation, Config: model.CalculationConfig{CalculationID: "calc-count"},
				Priority: 1,
			},
			{
				ID: "r-value-return", PipelineID: "sales",
				Type:   model.RuleCalculationChangeReturn,
				Config: model.CalculationReturnConfig{CalculationID: "calc-value", ReturnStageID: "discovery"},
			},
		},
	}
	cat.Normalize()
	return cat
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	actions *activity.MemoryLog
	sink    *timeline.MemorySink
	cat     *model.TenantCatalog
	metrics *observability.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		actions: activity.NewMemoryLog(),
		sink:    timeline.NewMemorySink(),
		cat:     testCatalog(),
		metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}
	opts = append([]Option{WithMetrics(f.metrics)}, opts...)
	f.svc = NewService(f.store, staticCatalogs{cat: f.cat}, f.actions, f.sink, opts...)
	return f
}

// dealAt creates a deal and places it directly on stageID.
func (f *fixture) dealAt(t *testing.T, stageID string) model.Deal {
	t.Helper()
	d, err := f.svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "sales", StageID: stageID})
	if err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}
	return d
}

var (
	rep     = model.Actor{ID: "user-rep"}
	manager = model.Actor{ID: "user-manager", CanOverride: true}
)

// --- CreateDeal ---

func TestCreateDeal_defaultsToFirstStage(t *testing.T) {
	f := newFixture(t)
	d, err := f.svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "sales", Name: "Acme"})
	if err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}
	if d.StageID != "lead" {
		t.Errorf("StageID = %q, want lead", d.StageID)
	}
	if d.Status != model.DealStatusOpen {
		t.Errorf("Status = %q, want open", d.Status)
	}
	if d.Version != 1 {
		t.Errorf("Version = %d, want 1", d.Version)
	}
}

func TestCreateDeal_roundsAmountToCents(t *testing.T) {
	f := newFixture(t)
	for in, want := range map[float64]float64{1.005: 1.01, 2.675: 2.68, 25000: 25000} {
		d, err := f.svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "sales", Amount: fptr(in)})
		if err != nil {
			t.Fatalf("CreateDeal(%v) error = %v", in, err)
		}
		if d.Amount == nil || *d.Amount != want {
			t.Errorf("Amount for %v = %v, want %v", in, d.Amount, want)
		}
	}
}

func TestCreateDeal_rejectsUnknownPipelineAndStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateDeal(ctx, tenant, NewDeal{PipelineID: "nope"})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("unknown pipeline error = %v, want VALIDATION_ERROR", err)
	}
	_, err = f.svc.CreateDeal(ctx, tenant, NewDeal{PipelineID: "sales", StageID: "renewal-review"})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("foreign stage error = %v, want VALIDATION_ERROR", err)
	}
}

// --- MoveStage ---

func TestMoveStage_noRulesIsFree(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")

	moved, err := f.svc.MoveStage(context.Background(), f.cat, d, "contacted", rep, MoveOptions{Reason: "called"})
	if err != nil {
		t.Fatalf("MoveStage() error = %v", err)
	}
	if moved.StageID != "contacted" {
		t.Errorf("StageID = %q, want contacted", moved.StageID)
	}
	if moved.Version != d.Version+1 {
		t.Errorf("Version = %d, want %d", moved.Version, d.Version+1)
	}

	events := f.sink.Events(d.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].FromStageID != "lead" || events[0].ToStageID != "contacted" || events[0].Reason != "called" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].AutoReturn {
		t.Error("manual move must not be flagged auto_return")
	}
}

func TestMoveStage_touchpointMinimumDenies(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "proposal")
	d, _ = f.svc.RecordTouchpoint(context.Background(), tenant, d.ID, 4)

	_, err := f.svc.MoveStage(context.Background(), f.cat, d, "negotiation", rep, MoveOptions{})
	if !model.IsCode(err, model.ErrTransitionDenied) {
		t.Fatalf("error = %v, want TRANSITION_DENIED", err)
	}

	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		t.Fatalf("error type = %T", err)
	}
	if len(env.Requirements) != 1 {
		t.Fatalf("requirements = %d, want 1", len(env.Requirements))
	}
	req := env.Requirements[0]
	if req.Current == nil || *req.Current != 4 || req.Required == nil || *req.Required != 6 {
		t.Errorf("requirement = %+v, want current 4 required 6", req)
	}

	stored, _ := f.store.GetDeal(context.Background(), tenant, d.ID)
	if stored.StageID != "proposal" {
		t.Errorf("denied move changed stage to %q", stored.StageID)
	}
	if len(f.sink.Events(d.ID)) != 0 {
		t.Error("denied move must not emit")
	}
	if v := testutil.ToFloat64(f.metrics.StageMovesTotal.WithLabelValues(observability.MoveKindStage, observability.MoveDenied)); v != 1 {
		t.Errorf("denied moves = %v, want 1", v)
	}
}

func TestMoveStage_touchpointMinimumMet(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "proposal")
	d, _ = f.svc.RecordTouchpoint(context.Background(), tenant, d.ID, 6)

	moved, err := f.svc.MoveStage(context.Background(), f.cat, d, "negotiation", rep, MoveOptions{})
	if err != nil {
		t.Fatalf("MoveStage() error = %v", err)
	}
	if moved.StageID != "negotiation" {
		t.Errorf("StageID = %q, want negotiation", moved.StageID)
	}
}

func TestMoveStage_override(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Override requested by an actor without the privilege.
	d := f.dealAt(t, "proposal")
	_, err := f.svc.MoveStage(ctx, f.cat, d, "negotiation", rep, MoveOptions{Override: true})
	if !model.IsCode(err, model.ErrForbidden) {
		t.Fatalf("unprivileged override error = %v, want FORBIDDEN", err)
	}

	// Privileged override bypasses the overridable rule.
	moved, err := f.svc.MoveStage(ctx, f.cat, d, "negotiation", manager, MoveOptions{Override: true, Reason: "exec sponsor"})
	if err != nil {
		t.Fatalf("override MoveStage() error = %v", err)
	}
	if moved.StageID != "negotiation" {
		t.Errorf("StageID = %q, want negotiation", moved.StageID)
	}
	events := f.sink.Events(d.ID)
	if len(events) != 1 || !events[0].Override || len(events[0].Overridden) != 1 {
		t.Errorf("events = %+v, want one override event naming the bypassed rule", events)
	}
}

func TestMoveStage_nonOverridableRuleIgnoresOverride(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "discovery")

	_, err := f.svc.MoveStage(context.Background(), f.cat, d, "proposal", manager, MoveOptions{Override: true})
	if !model.IsCode(err, model.ErrTransitionDenied) {
		t.Fatalf("error = %v, want TRANSITION_DENIED", err)
	}
}

func TestMoveStage_wonAndLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fixed := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	d := f.dealAt(t, "negotiation")
	won, err := f.svc.MoveStage(ctx, f.cat, d, "won", rep, MoveOptions{})
	if err != nil {
		t.Fatalf("MoveStage(won) error = %v", err)
	}
	if won.Status != model.DealStatusWon || won.WonAt == nil || !won.WonAt.Equal(fixed) {
		t.Errorf("won deal = status %q won_at %v", won.Status, won.WonAt)
	}

	// Closed deals are not guarded by default.
	lost, err := f.svc.MoveStage(ctx, f.cat, won, "lost", rep, MoveOptions{})
	if err != nil {
		t.Fatalf("MoveStage(lost) error = %v", err)
	}
	if lost.Status != model.DealStatusLost || lost.LostAt == nil || lost.WonAt != nil {
		t.Errorf("lost deal = status %q lost_at %v won_at %v", lost.Status, lost.LostAt, lost.WonAt)
	}

	reopened, err := f.svc.MoveStage(ctx, f.cat, lost, "discovery", rep, MoveOptions{})
	if err != nil {
		t.Fatalf("MoveStage(reopen) error = %v", err)
	}
	if reopened.Status != model.DealStatusOpen || reopened.LostAt != nil {
		t.Errorf("reopened deal = status %q lost_at %v", reopened.Status, reopened.LostAt)
	}
}

func TestMoveStage_closedDealGuard(t *testing.T) {
	f := newFixture(t, WithClosedDealGuard(true))
	ctx := context.Background()

	d := f.dealAt(t, "won")
	_, err := f.svc.MoveStage(ctx, f.cat, d, "negotiation", rep, MoveOptions{})
	if !model.IsCode(err, model.ErrTransitionDenied) {
		t.Fatalf("error = %v, want TRANSITION_DENIED", err)
	}

	// negotiation also has an overridable touchpoint rule; both are bypassed.
	moved, err := f.svc.MoveStage(ctx, f.cat, d, "negotiation", manager, MoveOptions{Override: true})
	if err != nil {
		t.Fatalf("override MoveStage() error = %v", err)
	}
	if moved.Status != model.DealStatusOpen {
		t.Errorf("Status = %q, want open", moved.Status)
	}
	if got := f.sink.Events(d.ID)[0].Overridden; len(got) != 2 || got[0].Type != RuleClosedDeal {
		t.Errorf("overridden = %+v, want closed_deal first", got)
	}
}

func TestMoveStage_sameStageIsNoop(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")

	got, err := f.svc.MoveStage(context.Background(), f.cat, d, "lead", rep, MoveOptions{})
	if err != nil {
		t.Fatalf("MoveStage() error = %v", err)
	}
	if got.Version != d.Version {
		t.Errorf("Version = %d, want unchanged %d", got.Version, d.Version)
	}
	if len(f.sink.Events(d.ID)) != 0 {
		t.Error("no-op move must not emit")
	}
}

func TestMoveStage_concurrentWritersConflict(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")
	ctx := context.Background()

	// Both callers hold the same snapshot.
	first, second := d, d
	if _, err := f.svc.MoveStage(ctx, f.cat, first, "contacted", rep, MoveOptions{}); err != nil {
		t.Fatalf("first MoveStage() error = %v", err)
	}
	_, err := f.svc.MoveStage(ctx, f.cat, second, "qualification", rep, MoveOptions{})
	if !model.IsCode(err, model.ErrConcurrentModification) {
		t.Fatalf("second MoveStage() error = %v, want CONCURRENT_MODIFICATION", err)
	}

	stored, _ := f.store.GetDeal(ctx, tenant, d.ID)
	if stored.StageID != "contacted" {
		t.Errorf("StageID = %q, want contacted (first writer wins)", stored.StageID)
	}
}

func TestMoveStage_parallelSnapshotsOneWins(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.MoveStage(context.Background(), f.cat, d, "contacted", rep, MoveOptions{})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !model.IsCode(err, model.ErrConcurrentModification):
			t.Errorf("unexpected error = %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successful writers = %d, want 1", succeeded)
	}
}

func TestMoveStage_cancelledContext(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.MoveStage(ctx, f.cat, d, "contacted", rep, MoveOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// --- ValidateMove / ExecuteMove ---

func TestValidateMove_isDryRun(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "proposal")

	res, err := f.svc.ValidateMove(context.Background(), tenant, d.ID, "negotiation")
	if err != nil {
		t.Fatalf("ValidateMove() error = %v", err)
	}
	if res.CanMove || !res.Overridable {
		t.Errorf("result = %+v, want blocked and overridable", res)
	}
	stored, _ := f.store.GetDeal(context.Background(), tenant, d.ID)
	if stored.Version != d.Version {
		t.Error("ValidateMove must not write")
	}
}

// conflictOnce makes the first SaveDeal fail as if another writer won.
type conflictOnce struct {
	*MemoryStore
	mu    sync.Mutex
	fired bool
}

func (c *conflictOnce) SaveDeal(ctx context.Context, d model.Deal, expectedVersion int) (model.Deal, error) {
	c.mu.Lock()
	fire := !c.fired
	c.fired = true
	c.mu.Unlock()
	if fire {
		// Another writer bumps the version underneath us.
		current, _ := c.MemoryStore.GetDeal(ctx, d.TenantID, d.ID)
		current.TouchpointCount++
		if _, err := c.MemoryStore.SaveDeal(ctx, current, current.Version); err != nil {
			return model.Deal{}, err
		}
	}
	return c.MemoryStore.SaveDeal(ctx, d, expectedVersion)
}

func TestExecuteMove_retriesAfterConflict(t *testing.T) {
	mem := NewMemoryStore()
	store := &conflictOnce{MemoryStore: mem}
	cat := testCatalog()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	svc := NewService(store, staticCatalogs{cat: cat}, activity.NewMemoryLog(), timeline.NewMemorySink(),
		WithMetrics(metrics), WithConflictRetries(1))

	d, err := svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "sales"})
	if err != nil {
		t.Fatalf("CreateDeal() error = %v", err)
	}

	moved, err := svc.ExecuteMove(context.Background(), tenant, d.ID, "contacted", rep, false, "")
	if err != nil {
		t.Fatalf("ExecuteMove() error = %v", err)
	}
	if moved.StageID != "contacted" || moved.TouchpointCount != 1 {
		t.Errorf("moved = stage %q touchpoints %d, want contacted with the concurrent touchpoint kept",
			moved.StageID, moved.TouchpointCount)
	}
	if v := testutil.ToFloat64(metrics.ConcurrentModificationsTotal.WithLabelValues("execute_move")); v != 1 {
		t.Errorf("conflicts = %v, want 1", v)
	}
}

func TestExecuteMove_noRetriesSurfacesConflict(t *testing.T) {
	store := &conflictOnce{MemoryStore: NewMemoryStore()}
	svc := NewService(store, staticCatalogs{cat: testCatalog()}, activity.NewMemoryLog(), nil,
		WithConflictRetries(0))

	d, _ := svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "sales"})
	_, err := svc.ExecuteMove(context.Background(), tenant, d.ID, "contacted", rep, false, "")
	if !model.IsCode(err, model.ErrConcurrentModification) {
		t.Fatalf("error = %v, want CONCURRENT_MODIFICATION", err)
	}
}

func TestExecuteMove_unknownDeal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ExecuteMove(context.Background(), tenant, "missing", "contacted", rep, false, "")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- Calculations and auto-return ---

func TestUpdateCalculationInputs_scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "discovery")

	// count=5 completes with total 10.
	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 5}, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if !up.Result.IsComplete || up.Result.Outputs["total"] != int64(10) {
		t.Errorf("result = %+v, want complete with total 10", up.Result)
	}
	if up.Returned {
		t.Error("first submission must not return the deal")
	}

	// count=0 is below the minimum: stored, not complete.
	up, err = f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 0}, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if up.Result.IsComplete || up.Result.Status != model.CalculationError {
		t.Errorf("status = %q complete = %v, want error", up.Result.Status, up.Result.IsComplete)
	}
	if len(up.Result.ValidationErrors) != 1 || up.Result.ValidationErrors[0] != "Count must be at least 1" {
		t.Errorf("validation errors = %v", up.Result.ValidationErrors)
	}
	if up.Result.Inputs["count"] != 0 {
		t.Errorf("inputs = %v, want the raw invalid value kept", up.Result.Inputs)
	}
}

func TestUpdateCalculationInputs_autoReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "negotiation")

	if _, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 5}, rep); err != nil {
		t.Fatalf("first submission error = %v", err)
	}

	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 7}, rep)
	if err != nil {
		t.Fatalf("second submission error = %v", err)
	}
	if !up.Returned || up.Deal.StageID != "qualification" {
		t.Fatalf("deal = %q returned = %v, want qualification", up.Deal.StageID, up.Returned)
	}

	events := f.sink.Events(d.ID)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	evt := events[0]
	if !evt.AutoReturn || evt.Reason != "Calculation inputs changed" {
		t.Errorf("event = %+v", evt)
	}
	if evt.FromStageID != "negotiation" || evt.ToStageID != "qualification" {
		t.Errorf("event stages = %s -> %s", evt.FromStageID, evt.ToStageID)
	}
	if v := testutil.ToFloat64(f.metrics.AutoReturnsTotal.WithLabelValues("count_doubler")); v != 1 {
		t.Errorf("auto returns = %v, want 1", v)
	}
}

func TestUpdateCalculationInputs_returnBypassesRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "negotiation")

	// A rule that would block any manual move into qualification.
	f.cat.Rules = append(f.cat.Rules, model.StageTransitionRule{
		ID: "r-block", PipelineID: "sales", ToStage: "qualification",
		Type: model.RuleRequireProperty, Config: model.PropertyConfig{PropertyName: "never_set"},
	})

	f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 5}, rep)
	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 6}, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if up.Deal.StageID != "qualification" {
		t.Errorf("StageID = %q, want qualification", up.Deal.StageID)
	}
}

func TestUpdateCalculationInputs_noReturnWhenNotPastStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "contacted")

	f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 5}, rep)
	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 9}, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if up.Returned || up.Deal.StageID != "contacted" {
		t.Errorf("deal = %q returned = %v, want untouched", up.Deal.StageID, up.Returned)
	}
}

func TestUpdateCalculationInputs_noReturnWhenPreviousIncomplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "negotiation")

	f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 0}, rep)
	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 3}, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if up.Returned {
		t.Error("a previously incomplete result must not trigger a return")
	}
	if !up.Result.IsComplete {
		t.Error("result should now be complete")
	}
}

func TestUpdateCalculationInputs_sameValuesDoNotReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "negotiation")

	f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 5}, rep)
	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": "5"}, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if up.Returned {
		t.Error("an equal value in another representation must not return the deal")
	}
}

func TestUpdateCalculationInputs_returnRuleFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "negotiation")

	in := map[string]any{"unit_price": "19.99", "quantity": 3}
	if _, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "deal_value", in, rep); err != nil {
		t.Fatalf("first submission error = %v", err)
	}

	// Optional field changes are ignored.
	in["discount_percent"] = 10
	up, _ := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "deal_value", in, rep)
	if up.Returned {
		t.Fatal("optional input change must not return the deal")
	}

	in["quantity"] = 4
	up, err := f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "deal_value", in, rep)
	if err != nil {
		t.Fatalf("UpdateCalculationInputs() error = %v", err)
	}
	if !up.Returned || up.Deal.StageID != "discovery" {
		t.Errorf("deal = %q returned = %v, want discovery from the return rule", up.Deal.StageID, up.Returned)
	}
}

func TestUpdateCalculationInputs_unknownSlug(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")
	_, err := f.svc.UpdateCalculationInputs(context.Background(), tenant, d.ID, "pi", map[string]any{}, rep)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestOnCalculationInputsChanged_returnsOnlyWhenPastStage(t *testing.T) {
	f := newFixture(t)
	d, _ := f.svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "renewals", StageID: "renewal-signed"})

	def, _ := f.cat.ActiveCalculation("count_doubler")
	def.ReturnToStageOnChange = "renewal-review"

	got, returned, err := f.svc.OnCalculationInputsChanged(context.Background(), f.cat, d, def,
		map[string]any{"count": 1}, map[string]any{"count": 2}, rep)
	if err != nil {
		t.Fatalf("OnCalculationInputsChanged() error = %v", err)
	}
	if !returned || got.StageID != "renewal-review" {
		t.Fatalf("deal = %s returned = %v, want renewal-review", got.StageID, returned)
	}

	// Already on the return stage.
	got, returned, err = f.svc.OnCalculationInputsChanged(context.Background(), f.cat, got, def,
		map[string]any{"count": 2}, map[string]any{"count": 3}, rep)
	if err != nil {
		t.Fatalf("OnCalculationInputsChanged() error = %v", err)
	}
	if returned || got.StageID != "renewal-review" {
		t.Errorf("deal = %s returned = %v, want no second return", got.StageID, returned)
	}

	// Unchanged required inputs never return.
	_, returned, _ = f.svc.OnCalculationInputsChanged(context.Background(), f.cat, d, def,
		map[string]any{"count": 2}, map[string]any{"count": 2.0}, rep)
	if returned {
		t.Error("equal inputs must not return the deal")
	}
}

func TestOnCalculationInputsChanged_crossPipelineReturn(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "negotiation")

	def, _ := f.cat.ActiveCalculation("count_doubler")
	def.ReturnToStageOnChange = "renewal-signed"

	got, returned, err := f.svc.OnCalculationInputsChanged(context.Background(), f.cat, d, def,
		map[string]any{"count": 1}, map[string]any{"count": 2}, rep)
	if err != nil {
		t.Fatalf("OnCalculationInputsChanged() error = %v", err)
	}
	if !returned || got.PipelineID != "renewals" || got.StageID != "renewal-signed" {
		t.Errorf("deal = %s/%s returned = %v, want renewals/renewal-signed", got.PipelineID, got.StageID, returned)
	}
}

func TestOnCalculationInputsChanged_unknownReturnStage(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "negotiation")
	def, _ := f.cat.ActiveCalculation("count_doubler")
	def.ReturnToStageOnChange = "ghost"

	_, _, err := f.svc.OnCalculationInputsChanged(context.Background(), f.cat, d, def,
		map[string]any{"count": 1}, map[string]any{"count": 2}, rep)
	if !model.IsCode(err, model.ErrCatalogMisconfigured) {
		t.Errorf("error = %v, want CATALOG_MISCONFIGURED", err)
	}
}

func TestGetCalculation_pendingThenStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "lead")

	res, err := f.svc.GetCalculation(ctx, tenant, d.ID, "count_doubler")
	if err != nil {
		t.Fatalf("GetCalculation() error = %v", err)
	}
	if res.Status != model.CalculationPending {
		t.Errorf("Status = %q, want pending", res.Status)
	}

	f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 2}, rep)
	res, _ = f.svc.GetCalculation(ctx, tenant, d.ID, "count_doubler")
	if res.Status != model.CalculationComplete {
		t.Errorf("Status = %q, want complete", res.Status)
	}
}

// --- Calculation gate ---

func TestExecuteMove_requiresCompleteCalculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "discovery")

	_, err := f.svc.ExecuteMove(ctx, tenant, d.ID, "proposal", rep, false, "")
	if !model.IsCode(err, model.ErrTransitionDenied) {
		t.Fatalf("error = %v, want TRANSITION_DENIED", err)
	}

	f.svc.UpdateCalculationInputs(ctx, tenant, d.ID, "count_doubler", map[string]any{"count": 2}, rep)
	moved, err := f.svc.ExecuteMove(ctx, tenant, d.ID, "proposal", rep, false, "")
	if err != nil {
		t.Fatalf("ExecuteMove() error = %v", err)
	}
	if moved.StageID != "proposal" {
		t.Errorf("StageID = %q, want proposal", moved.StageID)
	}
}

// --- Blueprints ---

func TestBlueprintLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dealAt(t, "lead")

	assigned, err := f.svc.AssignBlueprint(ctx, tenant, d.ID, "onboarding", rep)
	if err != nil {
		t.Fatalf("AssignBlueprint() error = %v", err)
	}
	if assigned.CurrentBlueprintStageID != "kickoff" {
		t.Errorf("CurrentBlueprintStageID = %q, want kickoff", assigned.CurrentBlueprintStageID)
	}

	res, err := f.svc.ValidateBlueprintMove(ctx, tenant, d.ID, "setup")
	if err != nil {
		t.Fatalf("ValidateBlueprintMove() error = %v", err)
	}
	if res.CanMove || len(res.Missing) != 2 {
		t.Errorf("result = %+v, want two missing requirements", res)
	}

	_, err = f.svc.ExecuteBlueprintMove(ctx, tenant, d.ID, "setup", rep, "")
	if !model.IsCode(err, model.ErrTransitionDenied) {
		t.Fatalf("error = %v, want TRANSITION_DENIED", err)
	}

	if _, err := f.svc.LogAction(ctx, tenant, d.ID, "kickoff_call", rep, nil); err != nil {
		t.Fatalf("LogAction() error = %v", err)
	}
	current, _ := f.store.GetDeal(ctx, tenant, d.ID)
	current.ContactID = "contact-7"
	if _, err := f.store.SaveDeal(ctx, current, current.Version); err != nil {
		t.Fatalf("SaveDeal() error = %v", err)
	}

	moved, err := f.svc.ExecuteBlueprintMove(ctx, tenant, d.ID, "setup", rep, "ready")
	if err != nil {
		t.Fatalf("ExecuteBlueprintMove() error = %v", err)
	}
	if moved.CurrentBlueprintStageID != "setup" {
		t.Errorf("CurrentBlueprintStageID = %q, want setup", moved.CurrentBlueprintStageID)
	}

	events := f.sink.Events(d.ID)
	last := events[len(events)-1]
	if last.Kind != model.EventBlueprintStageChanged || last.FromStageID != "kickoff" {
		t.Errorf("event = %+v", last)
	}
	if onEnter, _ := last.Data["on_enter"].(map[string]any); onEnter["notify"] != "cs" {
		t.Errorf("on_enter = %v", last.Data["on_enter"])
	}
}

func TestBlueprintMove_withoutBlueprint(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")
	_, err := f.svc.ValidateBlueprintMove(context.Background(), tenant, d.ID, "setup")
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

// --- Supporting operations ---

func TestRecordTouchpoint(t *testing.T) {
	f := newFixture(t)
	d := f.dealAt(t, "lead")

	got, err := f.svc.RecordTouchpoint(context.Background(), tenant, d.ID, 2)
	if err != nil {
		t.Fatalf("RecordTouchpoint() error = %v", err)
	}
	if got.TouchpointCount != 2 {
		t.Errorf("TouchpointCount = %d, want 2", got.TouchpointCount)
	}
	if _, err := f.svc.RecordTouchpoint(context.Background(), tenant, d.ID, 0); !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("zero count error = %v, want VALIDATION_ERROR", err)
	}
}

func TestLogAction_unknownDeal(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.LogAction(context.Background(), tenant, "missing", "call", rep, nil)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

// --- Timeline ---

type brokenSink struct{}

func (brokenSink) Emit(context.Context, model.StageChangeEvent) error {
	return errors.New("sink down")
}

func TestEmitFailureDoesNotFailMove(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	sink := timeline.NewMultiSink().Add("redis", brokenSink{})
	svc := NewService(NewMemoryStore(), staticCatalogs{cat: testCatalog()}, activity.NewMemoryLog(), sink,
		WithMetrics(metrics))

	d, _ := svc.CreateDeal(context.Background(), tenant, NewDeal{PipelineID: "sales"})
	moved, err := svc.ExecuteMove(context.Background(), tenant, d.ID, "contacted", rep, false, "")
	if err != nil {
		t.Fatalf("ExecuteMove() error = %v", err)
	}
	if moved.StageID != "contacted" {
		t.Errorf("StageID = %q, want contacted", moved.StageID)
	}
	if v := testutil.ToFloat64(metrics.TimelineEmitFailuresTotal.WithLabelValues("redis")); v != 1 {
		t.Errorf("emit failures = %v, want 1", v)
	}
}
