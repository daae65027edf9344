package catalog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
)

// Reloader rescans catalog directories and swaps the registry when the
// content changed. Invalid catalogs are rejected and the previous snapshot
// stays in place.
type Reloader struct {
	registry    *Registry
	loader      *Loader
	validator   *Validator
	directories []string
	invalidator Invalidator
	logger      *zap.Logger
	metrics     *observability.Metrics
}

// NewReloader creates a Reloader. invalidator, when non-nil, is told about
// every tenant of a changed snapshot so caches in front of the registry
// drop stale copies.
func NewReloader(
	registry *Registry,
	directories []string,
	invalidator Invalidator,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		registry:    registry,
		loader:      NewLoader(),
		validator:   NewValidator(),
		directories: directories,
		invalidator: invalidator,
		logger:      logger,
		metrics:     metrics,
	}
}

// Reload performs one rescan. It reports whether the registry changed.
func (r *Reloader) Reload(ctx context.Context) (bool, error) {
	cats, err := r.loader.LoadAll(r.directories)
	if err != nil {
		r.metrics.RecordCatalogReload("error")
		return false, err
	}
	if verrs := r.validator.Validate(cats); len(verrs) > 0 {
		for _, ve := range verrs {
			r.logger.Error("catalog validation error", zap.String("error", ve.Error()))
		}
		r.metrics.RecordCatalogReload("invalid")
		return false, Misconfigured("*", verrs)
	}
	if combinedChecksum(cats) == r.registry.Checksum() {
		r.metrics.RecordCatalogReload("unchanged")
		return false, nil
	}

	previous := r.registry.Tenants()
	r.registry.Replace(cats)
	r.metrics.RecordCatalogReload("reloaded")
	r.metrics.SetCatalogTenantsLoaded(float64(len(cats)))

	if r.invalidator != nil {
		for _, tenantID := range union(previous, r.registry.Tenants()) {
			if err := r.invalidator.Invalidate(ctx, tenantID); err != nil {
				r.logger.Warn("catalog cache invalidation failed",
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
			}
		}
	}
	r.logger.Info("catalogs reloaded",
		zap.Int("tenants", len(cats)),
		zap.String("checksum", r.registry.Checksum()),
	)
	return true, nil
}

// Run calls Reload every interval until ctx is done.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reload(ctx); err != nil {
				r.logger.Error("catalog reload failed", zap.Error(err))
			}
		}
	}
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(a, b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
