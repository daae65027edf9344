package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Set at link time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Check states reported by /ui/ready.
const (
	CheckOK   = "ok"
	CheckFail = "fail"
)

// Overall readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

const checkTimeout = 2 * time.Second

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status     string `json:"status"`
	Critical   bool   `json:"critical"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// HealthChecker probes a backing dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /ui/ready probes. Without tenant catalogs or a
// reachable deal store no operation can succeed, so those failures make the
// service not ready. The catalog cache and timeline only degrade it: loads
// fall through to the source and timeline delivery is best effort.
type ReadinessChecks struct {
	CatalogLoaded func() bool
	DealStore     HealthChecker
	CatalogCache  HealthChecker
	Timeline      HealthChecker
}

type probe struct {
	name     string
	critical bool
	run      func(context.Context) error
}

func (c ReadinessChecks) probes() []probe {
	loaded := c.CatalogLoaded
	ps := []probe{{name: "catalog", critical: true, run: func(context.Context) error {
		if loaded == nil || !loaded() {
			return errNoCatalogs
		}
		return nil
	}}}
	add := func(name string, critical bool, hc HealthChecker) {
		if hc != nil {
			ps = append(ps, probe{name: name, critical: critical, run: hc.HealthCheck})
		}
	}
	add("deal_store", true, c.DealStore)
	add("catalog_cache", false, c.CatalogCache)
	add("timeline", false, c.Timeline)
	return ps
}

type readinessError string

func (e readinessError) Error() string { return string(e) }

const errNoCatalogs = readinessError("no tenant catalogs loaded")

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbeJSON(w, http.StatusOK, HealthResponse{Status: CheckOK, Version: Version, Commit: Commit})
	}
}

// HandleReady runs every probe concurrently, each bounded by checkTimeout.
// It answers 503 only when a critical probe fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Readiness(r.Context(), checks)
		code := http.StatusOK
		if resp.Status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeProbeJSON(w, code, resp)
	}
}

// Readiness probes checks and summarises the outcome.
func Readiness(ctx context.Context, checks ReadinessChecks) ReadinessResponse {
	probes := checks.probes()
	results := make([]CheckResult, len(probes))

	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := p.run(pctx)
			res := CheckResult{Status: CheckOK, Critical: p.critical, DurationMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status, res.Error = CheckFail, err.Error()
			}
			results[i] = res
		})
	}
	wg.Wait()

	out := ReadinessResponse{Status: StatusReady, Checks: make(map[string]CheckResult, len(probes))}
	for i, p := range probes {
		res := results[i]
		out.Checks[p.name] = res
		switch {
		case res.Status == CheckOK:
		case res.Critical:
			out.Status = StatusNotReady
		case out.Status == StatusReady:
			out.Status = StatusDegraded
		}
	}
	return out
}

func writeProbeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
