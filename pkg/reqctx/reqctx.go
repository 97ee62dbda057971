// Package reqctx carries the authenticated tenant scope of one inbound request
// on its context.Context.
package reqctx

import (
	"context"
	"errors"
	"strings"

	"pdks/pkg/keys"
)

// ErrMissingContext is returned when a tenant-scoped operation runs without an
// established RequestContext.
var ErrMissingContext = errors.New("request context missing")

// RequestContext is set once by the upstream auth layer and only read afterwards.
type RequestContext struct {
	TenantID     string
	UserID       string
	Role         string
	IsSuperAdmin bool
}

type contextKey string

const requestContextKey contextKey = "pdks.request_context"

func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// From never substitutes a default tenant.
func From(ctx context.Context) (RequestContext, bool) {
	if ctx == nil {
		return RequestContext{}, false
	}
	rc, ok := ctx.Value(requestContextKey).(RequestContext)
	return rc, ok
}

// Require returns the context or ErrMissingContext when it is absent or its
// tenant cannot scope a store key.
func Require(ctx context.Context) (RequestContext, error) {
	rc, ok := From(ctx)
	if !ok || !keys.ValidTenantID(rc.TenantID) {
		return RequestContext{}, ErrMissingContext
	}
	return rc, nil
}

func (rc RequestContext) HasRole(roles ...string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), strings.TrimSpace(rc.Role)) {
			return true
		}
	}
	return false
}
