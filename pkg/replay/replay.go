// Package replay rejects a second submission of the same nonce within a tenant.
package replay

import (
	"context"
	"errors"
	"strings"
	"time"

	"pdks/pkg/keys"
	"pdks/pkg/reqctx"
	"pdks/pkg/store"
)

const DefaultWindow = 300 * time.Second

var (
	ErrReplayDetected = errors.New("replay detected")
	ErrEmptyNonce     = errors.New("nonce required")
)

// Guard claims nonces with a single SETNX. A claim lives for the window and
// is never released early.
type Guard struct {
	store  store.Store
	window time.Duration
	now    func() time.Time
}

func New(s store.Store, window time.Duration) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{store: s, window: window, now: time.Now}
}

func (g *Guard) Window() time.Duration { return g.window }

// Claim returns nil when the nonce was unclaimed for the caller's tenant.
func (g *Guard) Claim(ctx context.Context, nonce string) error {
	rc, err := reqctx.Require(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(nonce) == "" {
		return ErrEmptyNonce
	}
	claimedAt := g.now().UTC().Format(time.RFC3339Nano)
	ok, err := g.store.SetNX(ctx, keys.Replay(rc.TenantID, nonce), claimedAt, g.window)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReplayDetected
	}
	return nil
}
