// Package hardening refuses to start a production-like deployment with
// settings that would weaken tenant isolation or transport security.
package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries raw environment values; empty means unset.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DatabaseRequireTLS    string
	StoreBackend          string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	AuthMode              string
	CORSAllowedOrigins    string
	WSAllowedOrigins      string
	RequiredSecrets       []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...)
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fail("requires DATABASE_REQUIRE_TLS=true")
	}
	// per-process counters would let each replica admit its own budget
	if strings.EqualFold(strings.TrimSpace(o.StoreBackend), "memory") {
		return fail("forbids STORE_BACKEND=memory")
	}
	if !isTrue(o.RedisRequireTLS, false) {
		return fail("requires REDIS_REQUIRE_TLS=true")
	}
	if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
		return fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "trusted_headers") {
		return fail("forbids AUTH_MODE=trusted_headers")
	}
	if err := validateOrigins("CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins, true); err != nil {
		return fail("%v", err)
	}
	if err := validateOrigins("WS_ALLOWED_ORIGINS", o.WSAllowedOrigins, false); err != nil {
		return fail("%v", err)
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fail("requires %s", req.Name)
		}
	}
	return nil
}

// validateOrigins checks a comma-separated allowlist; required makes an empty list an error.
func validateOrigins(name, raw string, required bool) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		valid++
		lower := strings.ToLower(o)
		switch {
		case lower == "*":
			return fmt.Errorf("forbids %s wildcard origin", name)
		case strings.Contains(lower, "://localhost") || strings.Contains(lower, "://127.0.0.1"):
			return fmt.Errorf("forbids localhost %s origin %q", name, o)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("requires HTTPS %s origin, got %q", name, o)
		}
	}
	if valid == 0 && required {
		return fmt.Errorf("requires explicit %s", name)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
