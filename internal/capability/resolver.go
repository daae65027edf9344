// Package capability resolves which deal operations a caller may perform,
// including the privilege to override gated stage moves.
package capability

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/dealflow/model"
)

const defaultMaxEntries = 10000

// Resolver implements model.CapabilityResolver on top of a Policy. Grants
// depend only on tenant and roles, so results are cached per tenant and
// role set and shared between callers holding the same roles.
type Resolver struct {
	policy Policy
	ttl    time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]resolved
}

type resolved struct {
	caps    model.CapabilitySet
	expires time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithMaxEntries bounds the number of cached role sets.
func WithMaxEntries(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.max = n
		}
	}
}

// NewResolver returns a resolver caching grants for ttl. A ttl of zero
// asks the policy on every call.
func NewResolver(policy Policy, ttl time.Duration, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		policy:  policy,
		ttl:     ttl,
		max:     defaultMaxEntries,
		now:     time.Now,
		entries: map[string]resolved{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func roleKey(tenantID string, roles []string) string {
	sorted := slices.Clone(roles)
	slices.Sort(sorted)
	return tenantID + "\x00" + strings.Join(slices.Compact(sorted), "\x00")
}

// Resolve implements model.CapabilityResolver.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if r.ttl <= 0 {
		return r.policy.Grants(rctx.TenantID, rctx.Roles)
	}

	key := roleKey(rctx.TenantID, rctx.Roles)
	now := r.now()
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.caps, nil
	}

	caps, err := r.policy.Grants(rctx.TenantID, rctx.Roles)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.entries) >= r.max {
		r.evictLocked(now)
	}
	r.entries[key] = resolved{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()
	return caps, nil
}

// evictLocked drops expired entries, and everything if none had expired.
func (r *Resolver) evictLocked(now time.Time) {
	before := len(r.entries)
	for k, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, k)
		}
	}
	if len(r.entries) == before {
		clear(r.entries)
	}
}

// Flush empties the cache.
func (r *Resolver) Flush() {
	r.mu.Lock()
	clear(r.entries)
	r.mu.Unlock()
}

// Len is the number of cached role sets.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ActorFor builds the engine actor for an authenticated caller. Only callers
// holding model.CapDealStageOverride may override gated moves; without a
// resolver nobody may.
func ActorFor(resolver model.CapabilityResolver, rctx *model.RequestContext) (model.Actor, error) {
	if resolver == nil {
		return model.Actor{ID: rctx.SubjectID}, nil
	}
	caps, err := resolver.Resolve(rctx)
	if err != nil {
		return model.Actor{}, err
	}
	return model.Actor{ID: rctx.SubjectID, CanOverride: caps.Has(model.CapDealStageOverride)}, nil
}
