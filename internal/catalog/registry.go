package catalog

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/dealflow/model"
)

// snapshot is an immutable set of tenant catalogs indexed by tenant ID.
type snapshot struct {
	catalogs map[string]*model.TenantCatalog
	checksum string
}

// Registry is a read-optimized, thread-safe store of file-loaded catalogs.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given catalogs.
func NewRegistry(cats []*model.TenantCatalog) *Registry {
	r := &Registry{}
	r.Replace(cats)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given catalogs.
func (r *Registry) Replace(cats []*model.TenantCatalog) {
	s := &snapshot{catalogs: make(map[string]*model.TenantCatalog, len(cats))}
	s.checksum = combinedChecksum(cats)
	for _, cat := range cats {
		s.catalogs[cat.TenantID] = cat
	}
	r.snap.Store(s)
}

func combinedChecksum(cats []*model.TenantCatalog) string {
	parts := make([]string, 0, len(cats))
	for _, cat := range cats {
		parts = append(parts, cat.Checksum)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Load implements Source. Catalogs are shared snapshots; callers must not
// modify them.
func (r *Registry) Load(ctx context.Context, tenantID string) (*model.TenantCatalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cat, ok := r.current().catalogs[tenantID]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("no catalog for tenant %q", tenantID))
	}
	return cat, nil
}

// Tenants returns the tenant IDs in the registry, sorted.
func (r *Registry) Tenants() []string {
	s := r.current()
	out := make([]string, 0, len(s.catalogs))
	for id := range s.catalogs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Loaded reports whether at least one tenant catalog is registered.
func (r *Registry) Loaded() bool {
	return len(r.current().catalogs) > 0
}

// Checksum returns the combined checksum of all loaded catalogs.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
