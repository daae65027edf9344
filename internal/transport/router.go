package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/catalog"
	"github.com/pitabwire/dealflow/internal/config"
	"github.com/pitabwire/dealflow/internal/deal"
	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Deals              *deal.Service
	Catalog            catalog.Invalidator
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		svc, resolver := deps.Deals, deps.CapabilityResolver
		view := RequireCapability(model.CapDealView)
		move := RequireCapability(model.CapDealMove)
		edit := RequireCapability(model.CapCalculationEdit)

		r.Route("/deals", func(r chi.Router) {
			r.With(move).Post("/", handleCreateDeal(svc))
			r.With(view).Get("/{dealId}", handleGetDeal(svc))

			r.With(view).Post("/{dealId}/stage/validate", handleValidateMove(svc))
			r.With(move).Post("/{dealId}/stage", handleExecuteMove(svc, resolver))

			r.With(edit).Put("/{dealId}/calculations/{slug}", handleUpdateCalculation(svc, resolver))
			r.With(view).Get("/{dealId}/calculations/{slug}", handleGetCalculation(svc))

			r.With(move).Post("/{dealId}/blueprint", handleAssignBlueprint(svc, resolver))
			r.With(view).Post("/{dealId}/blueprint-stage/validate", handleValidateBlueprintMove(svc))
			r.With(move).Post("/{dealId}/blueprint-stage", handleExecuteBlueprintMove(svc, resolver))

			r.With(move).Post("/{dealId}/actions", handleLogAction(svc, resolver))
			r.With(move).Post("/{dealId}/touchpoints", handleRecordTouchpoint(svc))
		})

		r.With(RequireCapability(model.CapCatalogAdmin)).
			Post("/catalog/invalidate", handleInvalidateCatalog(deps.Catalog))
	})

	return r
}
