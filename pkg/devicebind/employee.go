package devicebind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdks/pkg/keys"
	"pdks/pkg/reqctx"
	"pdks/pkg/store"
)

var ErrDeviceMismatch = errors.New("employee device mismatch")

// EmployeeDevice is the fingerprint a tenant user's check-ins are pinned to.
type EmployeeDevice struct {
	Fingerprint string    `json:"device_fp"`
	BoundAt     time.Time `json:"bound_at"`
}

// EmployeeGate pins each tenant user to the first device fingerprint they
// check in with. Like display bindings, pins never expire; Reset clears one.
type EmployeeGate struct {
	store store.Store
	now   func() time.Time
}

func NewEmployeeGate(s store.Store) *EmployeeGate {
	return &EmployeeGate{store: s, now: time.Now}
}

// Validate checks fingerprint for the authenticated user. A submission with no
// fingerprint never pins, but is rejected once the user is pinned.
func (g *EmployeeGate) Validate(ctx context.Context, fingerprint string) (EmployeeDevice, error) {
	rc, err := reqctx.Require(ctx)
	if err != nil {
		return EmployeeDevice{}, err
	}
	if strings.TrimSpace(rc.UserID) == "" {
		return EmployeeDevice{}, fmt.Errorf("%w: no user", reqctx.ErrMissingContext)
	}
	fingerprint = strings.TrimSpace(fingerprint)
	key := keys.EmployeeDevice(rc.TenantID, rc.UserID)
	if fingerprint == "" {
		pinned, found, err := g.Lookup(ctx, rc.TenantID, rc.UserID)
		if err != nil {
			return EmployeeDevice{}, err
		}
		if found {
			return pinned, fmt.Errorf("%w: user %s: no device fingerprint", ErrDeviceMismatch, rc.UserID)
		}
		return EmployeeDevice{}, nil
	}
	candidate := EmployeeDevice{Fingerprint: fingerprint, BoundAt: g.now().UTC()}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return EmployeeDevice{}, err
	}
	won, err := g.store.SetNX(ctx, key, string(raw), 0)
	if err != nil {
		return EmployeeDevice{}, err
	}
	if won {
		return candidate, nil
	}
	pinned, found, err := g.Lookup(ctx, rc.TenantID, rc.UserID)
	if err != nil {
		return EmployeeDevice{}, err
	}
	if !found {
		return EmployeeDevice{}, fmt.Errorf("%w: user %s: pin changed concurrently", ErrDeviceMismatch, rc.UserID)
	}
	if pinned.Fingerprint != fingerprint {
		return pinned, fmt.Errorf("%w: user %s", ErrDeviceMismatch, rc.UserID)
	}
	return pinned, nil
}

func (g *EmployeeGate) Lookup(ctx context.Context, tenantID, userID string) (EmployeeDevice, bool, error) {
	if err := checkEmployee(tenantID, userID); err != nil {
		return EmployeeDevice{}, false, err
	}
	raw, err := g.store.Get(ctx, keys.EmployeeDevice(tenantID, userID))
	if errors.Is(err, store.ErrNotFound) {
		return EmployeeDevice{}, false, nil
	}
	if err != nil {
		return EmployeeDevice{}, false, err
	}
	var d EmployeeDevice
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return EmployeeDevice{}, false, fmt.Errorf("decode employee device %s/%s: %w", tenantID, userID, err)
	}
	return d, true, nil
}

// Reset unpins the user; the next check-in with a fingerprint pins afresh.
func (g *EmployeeGate) Reset(ctx context.Context, tenantID, userID string) error {
	if err := checkEmployee(tenantID, userID); err != nil {
		return err
	}
	return g.store.Del(ctx, keys.EmployeeDevice(tenantID, userID))
}

func checkEmployee(tenantID, userID string) error {
	if !keys.ValidTenantID(tenantID) {
		return fmt.Errorf("%w: invalid tenant %q", reqctx.ErrMissingContext, tenantID)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: no user", reqctx.ErrMissingContext)
	}
	return nil
}
