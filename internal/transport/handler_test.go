package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/dealflow/internal/activity"
	"github.com/pitabwire/dealflow/internal/capability"
	"github.com/pitabwire/dealflow/internal/catalog"
	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/internal/timeline"
	"github.com/pitabwire/dealflow/model"
)

// --- Test helpers ---

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, tenantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants = append(r.tenants, tenantID)
	return nil
}

type apiFixture struct {
	router  http.Handler
	sink    *timeline.MemorySink
	catalog *recordingInvalidator
}

// claimsFromHeaders stands in for JWT verification: the test caller picks
// its subject and role with X-Test-Subject and X-Test-Role.
func claimsFromHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := map[string]any{
			"sub":       r.Header.Get("X-Test-Subject"),
			"tenant_id": "acme",
			"roles":     []any{r.Header.Get("X-Test-Role")},
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cat, err := catalog.NewLoader().LoadFile("../catalog/testdata/acme/catalog.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	policy, err := capability.LoadFilePolicy("../capability/testdata/policies.yaml")
	if err != nil {
		t.Fatalf("LoadFilePolicy() error = %v", err)
	}

	sink := timeline.NewMemorySink()
	svc := deal.NewService(deal.NewMemoryStore(), catalog.NewRegistry([]*model.TenantCatalog{cat}),
		activity.NewMemoryLog(), sink)
	inv := &recordingInvalidator{}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = 5 * time.Second
	router := NewRouter(Dependencies{
		Config:             cfg,
		Authenticate:       claimsFromHeaders,
		CapabilityResolver: capability.NewResolver(policy, time.Minute),
		Deals:              svc,
		Catalog:            inv,
	})
	return &apiFixture{router: router, sink: sink, catalog: inv}
}

func (f *apiFixture) do(t *testing.T, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Subject", role+"-1")
	req.Header.Set("X-Test-Role", role)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func (f *apiFixture) createDeal(t *testing.T, body map[string]any) model.Deal {
	t.Helper()
	if body == nil {
		body = map[string]any{"pipeline_id": "sales", "name": "Globex renewal"}
	}
	w := f.do(t, "sales_rep", "POST", "/deals", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}
	return decode[model.Deal](t, w)
}

const (
	rep     = "sales_rep"
	manager = "sales_manager"
	admin   = "admin"
)

// --- Deals ---

func TestCreateDeal(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)

	if d.StageID != "lead" || d.Status != model.DealStatusOpen {
		t.Errorf("deal = %+v, want open on lead", d)
	}
	if d.OwnerID != "sales_rep-1" || d.TenantID != "acme" {
		t.Errorf("owner = %q, tenant = %q", d.OwnerID, d.TenantID)
	}

	w := f.do(t, rep, "GET", "/deals/"+d.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := decode[model.Deal](t, w); got.ID != d.ID {
		t.Errorf("got deal %q, want %q", got.ID, d.ID)
	}
}

func TestCreateDeal_invalid(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, rep, "POST", "/deals", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d, want 400", w.Code)
	}

	w = f.do(t, rep, "POST", "/deals", map[string]any{"pipeline_id": "nope"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown pipeline status = %d, want 400", w.Code)
	}
	if e := decode[errorBody](t, w); e.Error.Code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", e.Error.Code)
	}
}

func TestGetDeal_notFound(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, rep, "GET", "/deals/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if e := decode[errorBody](t, w); e.Error.Code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", e.Error.Code)
	}
}

// --- Stage moves ---

func TestMoveStage_touchpointGate(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	move := map[string]any{"target_stage_id": "negotiation"}

	if w := f.do(t, rep, "POST", "/deals/"+d.ID+"/touchpoints", map[string]any{"count": 4}); w.Code != http.StatusOK {
		t.Fatalf("touchpoints status = %d", w.Code)
	}

	w := f.do(t, rep, "POST", "/deals/"+d.ID+"/stage/validate", move)
	if w.Code != http.StatusOK {
		t.Fatalf("validate status = %d", w.Code)
	}
	res := decode[model.ValidationResult](t, w)
	if res.CanMove || !res.Overridable || len(res.Missing) != 1 {
		t.Fatalf("validation = %+v, want one overridable requirement", res)
	}
	if req := res.Missing[0]; req.Current == nil || *req.Current != 4 || req.Required == nil || *req.Required != 6 {
		t.Errorf("requirement = %+v, want current 4 required 6", res.Missing[0])
	}

	w = f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", move)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("move status = %d, want 400", w.Code)
	}
	if e := decode[errorBody](t, w); e.Error.Code != model.ErrTransitionDenied || len(e.Error.Requirements) != 1 {
		t.Errorf("error = %+v, want TRANSITION_DENIED with requirements", e.Error)
	}

	// Two more touchpoints satisfy the gate.
	f.do(t, rep, "POST", "/deals/"+d.ID+"/touchpoints", map[string]any{"count": 2})
	w = f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", move)
	if w.Code != http.StatusOK {
		t.Fatalf("move status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode[model.Deal](t, w); got.StageID != "negotiation" {
		t.Errorf("stage = %q, want negotiation", got.StageID)
	}
	if events := f.sink.Events(d.ID); len(events) != 1 || events[0].ToStageID != "negotiation" {
		t.Errorf("events = %+v", events)
	}
}

func TestMoveStage_override(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	move := map[string]any{"target_stage_id": "negotiation", "override": true, "reason": "exec sponsor"}

	w := f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", move)
	if w.Code != http.StatusForbidden {
		t.Fatalf("rep override status = %d, want 403", w.Code)
	}

	w = f.do(t, manager, "POST", "/deals/"+d.ID+"/stage", move)
	if w.Code != http.StatusOK {
		t.Fatalf("manager override status = %d, body %s", w.Code, w.Body.String())
	}
	events := f.sink.Events(d.ID)
	if len(events) != 1 || !events[0].Override || events[0].Reason != "exec sponsor" {
		t.Errorf("events = %+v, want one overridden move", events)
	}
}

func TestMoveStage_wonAndMissingTarget(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)

	w := f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if e := decode[errorBody](t, w); e.Error.Code != model.ErrValidationError {
		t.Errorf("code = %q, want VALIDATION_ERROR", e.Error.Code)
	}

	w = f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", map[string]any{"target_stage_id": "won"})
	if w.Code != http.StatusOK {
		t.Fatalf("won status = %d", w.Code)
	}
	if got := decode[model.Deal](t, w); got.Status != model.DealStatusWon || got.WonAt == nil {
		t.Errorf("deal = %+v, want won", got)
	}
}

func TestMoveStage_requiresCapability(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)

	w := f.do(t, "guest", "POST", "/deals/"+d.ID+"/stage", map[string]any{"target_stage_id": "contacted"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	w = f.do(t, "guest", "GET", "/deals/"+d.ID, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("view status = %d, want 403", w.Code)
	}
}

// --- Calculations ---

func TestUpdateCalculation_countDoubler(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	path := "/deals/" + d.ID + "/calculations/count_doubler"

	w := f.do(t, rep, "GET", path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if res := decode[model.CalculationResult](t, w); res.Status != model.CalculationPending {
		t.Errorf("status = %q, want pending", res.Status)
	}

	w = f.do(t, rep, "PUT", path, map[string]any{"inputs": map[string]any{"count": 5}})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", w.Code, w.Body.String())
	}
	update := decode[deal.CalculationUpdate](t, w)
	if !update.Result.IsComplete || update.Result.Outputs["total"] != float64(10) {
		t.Errorf("result = %+v, want total 10", update.Result)
	}

	w = f.do(t, rep, "PUT", path, map[string]any{"inputs": map[string]any{"count": 0}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid put status = %d, want 400", w.Code)
	}
	e := decode[errorBody](t, w)
	if e.Error.Code != model.ErrValidationError || len(e.Error.Details) != 1 {
		t.Fatalf("error = %+v", e.Error)
	}
	if e.Error.Details[0].Message != "Count must be at least 1" {
		t.Errorf("message = %q", e.Error.Details[0].Message)
	}

	// The invalid submission is still stored.
	w = f.do(t, rep, "GET", path, nil)
	if res := decode[model.CalculationResult](t, w); res.Status != model.CalculationError {
		t.Errorf("stored status = %q, want error", res.Status)
	}
}

func TestUpdateCalculation_autoReturn(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	path := "/deals/" + d.ID + "/calculations/count_doubler"

	f.do(t, rep, "PUT", path, map[string]any{"inputs": map[string]any{"count": 5}})
	f.do(t, rep, "POST", "/deals/"+d.ID+"/touchpoints", map[string]any{"count": 6})
	if w := f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", map[string]any{"target_stage_id": "negotiation"}); w.Code != http.StatusOK {
		t.Fatalf("move status = %d, body %s", w.Code, w.Body.String())
	}

	w := f.do(t, rep, "PUT", path, map[string]any{"inputs": map[string]any{"count": 7}})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d", w.Code)
	}
	update := decode[deal.CalculationUpdate](t, w)
	if !update.Returned || update.Deal.StageID != "qualification" {
		t.Errorf("update = returned %v stage %q, want qualification", update.Returned, update.Deal.StageID)
	}
	events := f.sink.Events(d.ID)
	if last := events[len(events)-1]; last.Reason != model.AutoReturnReason {
		t.Errorf("last event reason = %q", last.Reason)
	}
}

func TestUpdateCalculation_invalidChangeReportsReturn(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	path := "/deals/" + d.ID + "/calculations/count_doubler"

	f.do(t, rep, "PUT", path, map[string]any{"inputs": map[string]any{"count": 5}})
	f.do(t, rep, "POST", "/deals/"+d.ID+"/touchpoints", map[string]any{"count": 6})
	if w := f.do(t, rep, "POST", "/deals/"+d.ID+"/stage", map[string]any{"target_stage_id": "negotiation"}); w.Code != http.StatusOK {
		t.Fatalf("move status = %d, body %s", w.Code, w.Body.String())
	}
	before := decode[model.Deal](t, f.do(t, rep, "GET", "/deals/"+d.ID, nil))

	w := f.do(t, rep, "PUT", path, map[string]any{"inputs": map[string]any{"count": "abc"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("put status = %d, want 400", w.Code)
	}
	body := decode[calculationRejected](t, w)
	if body.Error == nil || body.Error.Code != model.ErrValidationError || len(body.Error.Details) != 1 {
		t.Fatalf("error = %+v", body.Error)
	}
	if body.Result.Status != model.CalculationError {
		t.Errorf("result status = %q, want error", body.Result.Status)
	}
	if !body.Returned || body.Deal.StageID != "qualification" {
		t.Errorf("body = returned %v stage %q, want the committed return to qualification", body.Returned, body.Deal.StageID)
	}
	if body.Deal.Version <= before.Version {
		t.Errorf("deal version = %d, want above %d", body.Deal.Version, before.Version)
	}

	// The body matches what was committed.
	stored := decode[model.Deal](t, f.do(t, rep, "GET", "/deals/"+d.ID, nil))
	if stored.StageID != body.Deal.StageID || stored.Version != body.Deal.Version {
		t.Errorf("stored deal = %s v%d, body said %s v%d", stored.StageID, stored.Version, body.Deal.StageID, body.Deal.Version)
	}
}

func TestUpdateCalculation_unknownSlug(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	w := f.do(t, rep, "PUT", "/deals/"+d.ID+"/calculations/nope", map[string]any{"inputs": map[string]any{}})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- Blueprints and actions ---

func TestBlueprintFlow(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, map[string]any{"pipeline_id": "sales", "contact_id": "c-9"})
	base := "/deals/" + d.ID

	w := f.do(t, rep, "POST", base+"/blueprint", map[string]any{"blueprint_id": "onboarding"})
	if w.Code != http.StatusOK {
		t.Fatalf("assign status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode[model.Deal](t, w); got.CurrentBlueprintStageID != "kickoff" {
		t.Errorf("blueprint stage = %q, want kickoff", got.CurrentBlueprintStageID)
	}

	move := map[string]any{"target_stage_id": "setup"}
	w = f.do(t, rep, "POST", base+"/blueprint-stage/validate", move)
	if res := decode[model.ValidationResult](t, w); res.CanMove || len(res.Missing) != 1 {
		t.Fatalf("validation = %+v, want the kickoff_call action missing", res)
	}

	w = f.do(t, rep, "POST", base+"/actions", map[string]any{"action_type": "kickoff_call", "data": map[string]any{"minutes": 30}})
	if w.Code != http.StatusCreated {
		t.Fatalf("action status = %d", w.Code)
	}
	if a := decode[model.DealAction](t, w); a.ActorID != "sales_rep-1" {
		t.Errorf("actor = %q", a.ActorID)
	}

	w = f.do(t, rep, "POST", base+"/blueprint-stage", move)
	if w.Code != http.StatusOK {
		t.Fatalf("blueprint move status = %d, body %s", w.Code, w.Body.String())
	}
	if got := decode[model.Deal](t, w); got.CurrentBlueprintStageID != "setup" {
		t.Errorf("blueprint stage = %q, want setup", got.CurrentBlueprintStageID)
	}
}

func TestLogAction_requiresType(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	w := f.do(t, rep, "POST", "/deals/"+d.ID+"/actions", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRecordTouchpoint_defaultsToOne(t *testing.T) {
	f := newAPIFixture(t)
	d := f.createDeal(t, nil)
	w := f.do(t, rep, "POST", "/deals/"+d.ID+"/touchpoints", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[model.Deal](t, w); got.TouchpointCount != 1 {
		t.Errorf("touchpoints = %d, want 1", got.TouchpointCount)
	}
}

// --- Catalog ---

func TestInvalidateCatalog(t *testing.T) {
	f := newAPIFixture(t)

	if w := f.do(t, rep, "POST", "/catalog/invalidate", nil); w.Code != http.StatusForbidden {
		t.Errorf("rep status = %d, want 403", w.Code)
	}
	w := f.do(t, admin, "POST", "/catalog/invalidate", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("admin status = %d, want 204", w.Code)
	}
	if len(f.catalog.tenants) != 1 || f.catalog.tenants[0] != "acme" {
		t.Errorf("invalidated = %v, want [acme]", f.catalog.tenants)
	}
}

func TestRequestContext_missingTenantIsRejected(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest("GET", "/deals/x", nil)
	w := httptest.NewRecorder()
	// No X-Test-Subject: the subject claim is empty.
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), "UNAUTHORIZED") {
		t.Errorf("body = %s", w.Body.String())
	}
}
