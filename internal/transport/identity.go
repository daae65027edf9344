package transport

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

type claimsKey struct{}
type capabilitiesKey struct{}

// ClaimPaths says where the caller identity lives in the token. Each value
// is a dotted path into the claims, e.g. "realm_access.roles".
type ClaimPaths struct {
	Subject string
	Tenant  string
	Roles   string
}

// claimPathsFrom reads the identity config map, keyed subject_id, tenant_id
// and roles. Unset keys use sub, tenant_id and roles.
func claimPathsFrom(m map[string]string) ClaimPaths {
	pick := func(key, def string) string {
		if v := m[key]; v != "" {
			return v
		}
		return def
	}
	return ClaimPaths{
		Subject: pick("subject_id", "sub"),
		Tenant:  pick("tenant_id", "tenant_id"),
		Roles:   pick("roles", "roles"),
	}
}

// WithClaims stores verified token claims in ctx.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the verified token claims, or nil.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// CapabilitiesFrom returns the capabilities resolved for the caller. The
// zero set grants nothing.
func CapabilitiesFrom(ctx context.Context) model.CapabilitySet {
	caps, _ := ctx.Value(capabilitiesKey{}).(model.CapabilitySet)
	return caps
}

// BuildRequestContext turns the verified claims into the caller's
// model.RequestContext. A token naming no subject or tenant is rejected with
// 401; the tenant is never taken from a header.
func BuildRequestContext(paths map[string]string) func(http.Handler) http.Handler {
	cp := claimPathsFrom(paths)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := ClaimsFrom(ctx)
			caller := &model.RequestContext{
				SubjectID:     claimString(claims, cp.Subject),
				TenantID:      claimString(claims, cp.Tenant),
				Roles:         claimStringSlice(claims, cp.Roles),
				CorrelationID: CorrelationIDFrom(ctx),
				TraceID:       observability.TraceIDFromContext(ctx),
				SpanID:        observability.SpanIDFromContext(ctx),
			}
			if err := caller.Validate(); err != nil {
				WriteError(w, r, model.NewUnauthorizedError("token is missing subject or tenant"))
				return
			}
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(ctx, caller)))
		})
	}
}

// ResolveCapabilities resolves the caller's capabilities once per request.
// A resolver failure leaves the request with no capabilities, so guarded
// routes answer 403.
func ResolveCapabilities(resolver model.CapabilityResolver, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := model.RequestContextFrom(r.Context())
			if caller == nil {
				next.ServeHTTP(w, r)
				return
			}
			caps, err := resolver.Resolve(caller)
			if err != nil {
				observability.RequestLogger(r.Context(), logger).Warn("capability resolution failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), capabilitiesKey{}, caps)))
		})
	}
}

// RequireCapability answers 403 unless the caller holds cap.
func RequireCapability(cap string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if CapabilitiesFrom(r.Context()).Has(cap) {
				next.ServeHTTP(w, r)
				return
			}
			WriteForbidden(w, r, "missing capability "+cap)
		})
	}
}

// lookupClaim follows a dotted path through nested claim objects.
func lookupClaim(claims map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = claims
	for part := range strings.SplitSeq(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func claimString(claims map[string]any, path string) string {
	v, _ := lookupClaim(claims, path)
	s, _ := v.(string)
	return s
}

// claimStringSlice accepts a JSON array of strings or a space separated
// string such as an OAuth scope claim.
func claimStringSlice(claims map[string]any, path string) []string {
	v, _ := lookupClaim(claims, path)
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return strings.Fields(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
