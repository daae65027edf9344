package model

import (
	"context"
	"fmt"
	"strings"
)

// RequestContext identifies the caller of an authenticated request. The auth
// middleware builds it once from verified token claims.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string
	SpanID        string
}

// Validate reports which identity claims are missing.
func (rc *RequestContext) Validate() error {
	var missing []string
	if rc.SubjectID == "" {
		missing = append(missing, "subject")
	}
	if rc.TenantID == "" {
		missing = append(missing, "tenant")
	}
	if len(missing) > 0 {
		return fmt.Errorf("request context: missing %s", strings.Join(missing, " and "))
	}
	return nil
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the caller stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
