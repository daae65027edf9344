// Package integration provides a reusable test harness for end-to-end
// testing of the dealflow server. It starts a full HTTP server with the
// production middleware chain, in-memory stores, and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/dealflow/internal/activity"
	"github.com/pitabwire/dealflow/internal/capability"
	"github.com/pitabwire/dealflow/internal/catalog"
	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/internal/timeline"
	"github.com/pitabwire/dealflow/internal/transport"
	"github.com/pitabwire/dealflow/model"
)

// TestHarness encapsulates a fully wired dealflow instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *catalog.Registry
	Store       *racingStore
	Actions     *activity.MemoryLog
	Timeline    *timeline.MemorySink
	Service     *deal.Service
	CapResolver model.CapabilityResolver
	Metrics     *observability.Metrics
	Logs        *observer.ObservedLogs

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	catalogDirs     []string
	policyFile      string
	handlerTimeout  time.Duration
	conflictRetries int
	guardClosed     bool
	extraSink       timeline.Sink
}

// WithCatalogs sets the catalog directories to load.
func WithCatalogs(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.catalogDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithConflictRetries sets how often the deal service retries after a
// version conflict.
func WithConflictRetries(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.conflictRetries = n
	}
}

// WithClosedDealGuard makes moves out of won and lost stages require an
// override.
func WithClosedDealGuard() HarnessOption {
	return func(c *harnessConfig) {
		c.guardClosed = true
	}
}

// WithTimelineSink adds a sink next to the in-memory timeline.
func WithTimelineSink(s timeline.Sink) HarnessOption {
	return func(c *harnessConfig) {
		c.extraSink = s
	}
}

// NewTestHarness creates and starts a full dealflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:  10 * time.Second,
		conflictRetries: 2,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.catalogDirs) == 0 {
		hc.catalogDirs = []string{filepath.Join(testdataDir, "catalogs")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir, "policies.yaml")
	}

	h := &TestHarness{t: t}

	// Step 1: Load and validate catalogs.
	cats, err := catalog.NewLoader().LoadAll(hc.catalogDirs)
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	if verrs := catalog.NewValidator().Validate(cats); len(verrs) > 0 {
		t.Fatalf("catalog validation: %v", verrs)
	}
	h.Registry = catalog.NewRegistry(cats)

	// Step 2: Build capability resolver.
	policy, err := capability.LoadFilePolicy(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(policy, 0)

	// Step 3: Telemetry.
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	h.Logs = logs
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())

	// Step 4: In-memory stores and timeline.
	h.Store = &racingStore{MemoryStore: deal.NewMemoryStore()}
	h.Actions = activity.NewMemoryLog()
	h.Timeline = timeline.NewMemorySink()
	sinks := timeline.NewMultiSink().Add("memory", h.Timeline)
	if hc.extraSink != nil {
		sinks.Add("extra", hc.extraSink)
	}

	cached := catalog.NewCachedSource(h.Registry, time.Minute, 100, h.Metrics)
	h.Service = deal.NewService(h.Store, cached, h.Actions, sinks,
		deal.WithLogger(logger),
		deal.WithMetrics(h.Metrics),
		deal.WithConflictRetries(hc.conflictRetries),
		deal.WithClosedDealGuard(hc.guardClosed),
	)

	// Step 5: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 6: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     tokenIssuerID,
		Audience:   tokenAudience,
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"ES256"},
	}

	// Step 7: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             logger,
		Metrics:            h.Metrics,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, transport.JWKSKeys(jwks)),
		CapabilityResolver: h.CapResolver,
		Deals:              h.Service,
		Catalog:            cached,
		Readiness: observability.ReadinessChecks{
			CatalogLoaded: h.Registry.Loaded,
		},
	})

	// Step 8: Start test server.
	h.server = httptest.NewServer(router)
	h.client = h.server.Client()
	h.client.Timeout = 10 * time.Second
	t.Cleanup(h.server.Close)

	return h
}

// GenerateToken mints a valid token for caller.
func (h *TestHarness) GenerateToken(caller Caller) string {
	return h.issuer.mint(caller)
}

// GenerateExpiredToken mints a token for caller that expired an hour ago.
func (h *TestHarness) GenerateExpiredToken(caller Caller) string {
	return h.issuer.mint(caller, issuedAgo(2*time.Hour))
}

// --- racing store ---

// racingStore is a MemoryStore that can slip a competing write in between a
// caller's read and its conditional save, the way a concurrent request
// would.
type racingStore struct {
	*deal.MemoryStore
	races atomic.Int32
}

// RaceNext makes the next n reads race with a competing touchpoint write.
func (s *racingStore) RaceNext(n int) {
	s.races.Store(int32(n))
}

func (s *racingStore) GetDeal(ctx context.Context, tenantID, dealID string) (model.Deal, error) {
	d, err := s.MemoryStore.GetDeal(ctx, tenantID, dealID)
	if err != nil || !s.take() {
		return d, err
	}
	rival := d
	rival.TouchpointCount++
	if _, err := s.MemoryStore.SaveDeal(ctx, rival, d.Version); err != nil {
		return model.Deal{}, fmt.Errorf("competing write: %w", err)
	}
	return d, nil
}

func (s *racingStore) take() bool {
	for {
		n := s.races.Load()
		if n <= 0 {
			return false
		}
		if s.races.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// GET, POST and PUT send a JSON request carrying token as a bearer token;
// an empty token sends no Authorization header.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// Do sends method path with extra headers. A nil body sends none.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var payload io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		require.NoError(h.t, json.NewEncoder(buf).Encode(body), "encode request body")
		payload = buf
	}
	req, err := http.NewRequestWithContext(h.t.Context(), method, h.server.URL+path, payload)
	require.NoError(h.t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	require.NoError(h.t, err, "%s %s", method, path)
	return resp
}

// ReadBody drains and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err, "read response body")
	return data
}

// ParseJSON decodes the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	require.NoError(h.t, json.Unmarshal(data, target), "decode %s", data)
}

// AssertStatus reports a status mismatch, with the body, without stopping
// the test.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	body := h.ReadBody(resp)
	assert.Equal(t, want, resp.StatusCode, "body: %s", body)
}

// AssertJSON stops the test unless the status is want, then decodes the
// body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, want int, target any) {
	t.Helper()
	if resp.StatusCode != want {
		body := h.ReadBody(resp)
		require.Failf(t, "unexpected status", "status = %d, want %d\nbody: %s", resp.StatusCode, want, body)
	}
	h.ParseJSON(resp, target)
}

// --- Deal helpers ---

// CreateDeal creates a deal in the sales pipeline and returns it.
func (h *TestHarness) CreateDeal(t *testing.T, token string, body map[string]any) model.Deal {
	t.Helper()
	if body == nil {
		body = map[string]any{"pipeline_id": "sales", "name": "Initech expansion"}
	}
	var d model.Deal
	h.AssertJSON(t, h.POST("/deals", body, token), http.StatusCreated, &d)
	return d
}

// Move asks to move a deal to target and returns the raw response.
func (h *TestHarness) Move(dealID, target, token string) *http.Response {
	h.t.Helper()
	return h.POST("/deals/"+dealID+"/stage", map[string]any{"target_stage_id": target}, token)
}

// SubmitCalculation submits inputs for a calculation slug.
func (h *TestHarness) SubmitCalculation(dealID, slug string, inputs map[string]any, token string) *http.Response {
	h.t.Helper()
	return h.PUT("/deals/"+dealID+"/calculations/"+slug, map[string]any{"inputs": inputs}, token)
}

// ErrorResponse is the JSON error body written by the transport layer.
type ErrorResponse struct {
	Error model.ErrorEnvelope `json:"error"`
}

// --- Default test claims ---

// RepCaller is a sales rep at acme.
func RepCaller() Caller {
	return Caller{
		SubjectID: "user-rep",
		TenantID:  "acme",
		Roles:     []string{"sales_rep"},
	}
}

// ManagerCaller is a sales manager at acme; managers may override gates.
func ManagerCaller() Caller {
	return Caller{
		SubjectID: "user-manager",
		TenantID:  "acme",
		Roles:     []string{"sales_manager"},
	}
}

// AdminCaller administers the acme catalog.
func AdminCaller() Caller {
	return Caller{
		SubjectID: "user-admin",
		TenantID:  "acme",
		Roles:     []string{"admin"},
	}
}

// GuestCaller holds a role the acme policy grants nothing.
func GuestCaller() Caller {
	return Caller{
		SubjectID: "user-guest",
		TenantID:  "acme",
		Roles:     []string{"guest"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON renders v for failure messages.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
