// Package devicebind pins each display terminal to the first public address it
// was seen from. Bindings never expire; only an operator can move or clear one.
package devicebind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdks/pkg/keys"
	"pdks/pkg/store"
)

var (
	ErrIPMismatch     = errors.New("device ip mismatch")
	ErrEmptyDisplayID = errors.New("display id required")
)

type Binding struct {
	IP      string    `json:"ip"`
	BoundAt time.Time `json:"bound_at"`
}

type Validator struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Validator {
	return &Validator{store: s, now: time.Now}
}

// Validate binds on first observation and afterwards requires the same address.
// A request with no resolvable address cannot prove it is the bound device.
func (v *Validator) Validate(ctx context.Context, displayID, observedIP string) (Binding, error) {
	if strings.TrimSpace(displayID) == "" {
		return Binding{}, ErrEmptyDisplayID
	}
	if observedIP == "" {
		return Binding{}, fmt.Errorf("%w: display %s: no client address", ErrIPMismatch, displayID)
	}
	candidate := Binding{IP: observedIP, BoundAt: v.now().UTC()}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return Binding{}, err
	}
	won, err := v.store.SetNX(ctx, keys.DisplayIP(displayID), string(raw), 0)
	if err != nil {
		return Binding{}, err
	}
	if won {
		return candidate, nil
	}
	bound, found, err := v.Lookup(ctx, displayID)
	if err != nil {
		return Binding{}, err
	}
	if !found {
		// unbound between our SETNX and GET
		return Binding{}, fmt.Errorf("%w: display %s: binding changed concurrently", ErrIPMismatch, displayID)
	}
	if bound.IP != observedIP {
		return bound, fmt.Errorf("%w: display %s", ErrIPMismatch, displayID)
	}
	return bound, nil
}

func (v *Validator) Lookup(ctx context.Context, displayID string) (Binding, bool, error) {
	raw, err := v.store.Get(ctx, keys.DisplayIP(displayID))
	if errors.Is(err, store.ErrNotFound) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	b, err := decode(raw)
	if err != nil {
		return Binding{}, false, fmt.Errorf("display %s: %w", displayID, err)
	}
	return b, true, nil
}

// Rebind unconditionally replaces the binding.
func (v *Validator) Rebind(ctx context.Context, displayID, ip string) (Binding, error) {
	if strings.TrimSpace(displayID) == "" {
		return Binding{}, ErrEmptyDisplayID
	}
	if strings.TrimSpace(ip) == "" {
		return Binding{}, errors.New("ip required")
	}
	b := Binding{IP: strings.TrimSpace(ip), BoundAt: v.now().UTC()}
	raw, err := json.Marshal(b)
	if err != nil {
		return Binding{}, err
	}
	if err := v.store.Set(ctx, keys.DisplayIP(displayID), string(raw), 0); err != nil {
		return Binding{}, err
	}
	return b, nil
}

// Unbind clears the binding so the next observation binds afresh.
func (v *Validator) Unbind(ctx context.Context, displayID string) error {
	if strings.TrimSpace(displayID) == "" {
		return ErrEmptyDisplayID
	}
	return v.store.Del(ctx, keys.DisplayIP(displayID))
}

// decode also accepts a bare address, the format older terminals' bindings were written in.
func decode(raw string) (Binding, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Binding{IP: trimmed}, nil
	}
	var b Binding
	if err := json.Unmarshal([]byte(trimmed), &b); err != nil {
		return Binding{}, fmt.Errorf("decode binding: %w", err)
	}
	return b, nil
}
