// Package ratelimit enforces a fixed-window submission budget per tenant user.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdks/pkg/keys"
	"pdks/pkg/reqctx"
	"pdks/pkg/store"
)

const (
	DefaultLimit  = 30
	DefaultWindow = time.Minute
)

var (
	ErrLimitExceeded = errors.New("rate limit exceeded")
	ErrEmptyUserID   = errors.New("user id required")
)

type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter rounds the time until reset up to whole seconds, minimum one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter counts with INCR and sets the expiry only when the counter is
// created, so the window is fixed from the first request. Counts are never
// rolled back, rejected requests included.
type Limiter struct {
	store  store.Store
	limit  int
	window time.Duration
	now    func() time.Time
}

func New(s store.Store, limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{store: s, limit: limit, window: window, now: time.Now}
}

func (l *Limiter) Limit() int            { return l.limit }
func (l *Limiter) Window() time.Duration { return l.window }

// Check counts one submission for userID in the caller's tenant. An empty
// userID falls back to the authenticated user.
func (l *Limiter) Check(ctx context.Context, userID string) (Decision, error) {
	rc, err := reqctx.Require(ctx)
	if err != nil {
		return Decision{}, err
	}
	if strings.TrimSpace(userID) == "" {
		userID = rc.UserID
	}
	if strings.TrimSpace(userID) == "" {
		return Decision{}, ErrEmptyUserID
	}
	count, ttl, err := l.store.IncrWithTTL(ctx, keys.RateLimit(rc.TenantID, userID), l.window)
	if err != nil {
		return Decision{}, err
	}
	if ttl <= 0 {
		ttl = l.window
	}
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= int64(l.limit),
		Count:     count,
		Limit:     l.limit,
		Remaining: remaining,
		ResetAt:   l.now().UTC().Add(ttl),
	}
	if !d.Allowed {
		return d, fmt.Errorf("%w: %d of %d", ErrLimitExceeded, count, l.limit)
	}
	return d, nil
}
