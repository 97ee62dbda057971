package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer token claims the upstream identity provider issues.
type Claims struct {
	Tenant     string   `json:"tenant"`
	Role       string   `json:"role,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	SuperAdmin bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// PrimaryRole prefers the single role claim and falls back to the first of roles.
func (c Claims) PrimaryRole() string {
	if r := strings.TrimSpace(c.Role); r != "" {
		return strings.ToUpper(r)
	}
	for _, r := range c.Roles {
		if r = strings.TrimSpace(r); r != "" {
			return strings.ToUpper(r)
		}
	}
	return ""
}

type VerifyOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// VerifyHS256 parses and validates token, pinning the algorithm to HS256.
func VerifyHS256(token string, secret []byte, opts VerifyOptions) (Claims, error) {
	if len(secret) == 0 {
		return Claims{}, errors.New("secret is required")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, parserOpts...)
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, errors.New("subject required")
	}
	return claims, nil
}

// IssueHS256 signs claims; used by the admin CLI and tests.
func IssueHS256(claims Claims, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is required")
	}
	now := time.Now().UTC()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		if ttl <= 0 {
			ttl = time.Hour
		}
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
