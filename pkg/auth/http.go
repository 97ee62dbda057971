// Package auth turns an upstream credential into the request's tenant scope.
// It never decides admission; it only establishes reqctx.
package auth

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"pdks/pkg/httpx"
	"pdks/pkg/keys"
	"pdks/pkg/reqctx"
)

const (
	ModeHS256          = "hs256"
	ModeTrustedHeaders = "trusted_headers"

	HeaderTenant     = "X-Tenant-Id"
	HeaderUser       = "X-User-Id"
	HeaderRole       = "X-User-Role"
	HeaderSuperAdmin = "X-Super-Admin"

	RoleSuperAdmin = "SUPER_ADMIN"
)

type MiddlewareConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Issuer = strings.TrimSpace(issuer) }
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Audience = strings.TrimSpace(audience) }
}

func WithLeeway(d time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Leeway = d }
}

// Middleware authenticates each request and stores a reqctx.RequestContext on
// it. trusted_headers is for deployments behind an authenticating proxy that
// strips and re-sets the X-Tenant-Id family of headers.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	var cfg MiddlewareConfig
	for _, opt := range options {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				rc  reqctx.RequestContext
				msg string
			)
			switch mode {
			case ModeHS256:
				rc, msg = fromBearer(r, secret, cfg)
			case ModeTrustedHeaders:
				rc, msg = fromHeaders(r)
			default:
				msg = "unsupported auth mode"
			}
			if msg == "" && strings.TrimSpace(rc.TenantID) == "" {
				msg = "tenant missing from credentials"
			}
			if msg == "" && !keys.ValidTenantID(rc.TenantID) {
				msg = "tenant id must not contain " + strconv.Quote(keys.Separator)
			}
			if msg != "" {
				httpx.ErrorWithReason(w, http.StatusUnauthorized, "MISSING_CONTEXT", msg)
				return
			}
			next.ServeHTTP(w, r.WithContext(reqctx.With(r.Context(), rc)))
		})
	}
}

func fromBearer(r *http.Request, secret string, cfg MiddlewareConfig) (reqctx.RequestContext, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return reqctx.RequestContext{}, "missing bearer token"
	}
	claims, err := VerifyHS256(strings.TrimSpace(token), []byte(secret), VerifyOptions{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	})
	if err != nil {
		return reqctx.RequestContext{}, "invalid token"
	}
	role := claims.PrimaryRole()
	return reqctx.RequestContext{
		TenantID:     strings.TrimSpace(claims.Tenant),
		UserID:       claims.Subject,
		Role:         role,
		IsSuperAdmin: claims.SuperAdmin || role == RoleSuperAdmin,
	}, ""
}

func fromHeaders(r *http.Request) (reqctx.RequestContext, string) {
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	if user == "" {
		return reqctx.RequestContext{}, "missing " + HeaderUser
	}
	role := strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderRole)))
	return reqctx.RequestContext{
		TenantID:     strings.TrimSpace(r.Header.Get(HeaderTenant)),
		UserID:       user,
		Role:         role,
		IsSuperAdmin: strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderSuperAdmin)), "true") || role == RoleSuperAdmin,
	}, ""
}

// RequireRoles allows super admins and any of roles; no roles means super admin only.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, err := reqctx.Require(r.Context())
			if err != nil {
				httpx.ErrorWithReason(w, http.StatusUnauthorized, "MISSING_CONTEXT", err.Error())
				return
			}
			if !rc.IsSuperAdmin && (len(roles) == 0 || !rc.HasRole(roles...)) {
				httpx.Error(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
