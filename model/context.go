package model

import (
	"context"
	"slices"
)

// RequestContext is the identity behind a producer or operator HTTP call.
// Without identity verification only the correlation and trace ids are set.
type RequestContext struct {
	SubjectID     string
	TenantID      string
	Roles         []string
	CorrelationID string
	TraceID       string
}

// HasRole reports whether the caller was granted role.
func (rc *RequestContext) HasRole(role string) bool {
	return slices.Contains(rc.Roles, role)
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext carried by ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
