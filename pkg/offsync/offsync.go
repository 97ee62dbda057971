// Package offsync makes replays of buffered offline submissions idempotent:
// the first canonical event stored for an offline id is the only one.
package offsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdks/pkg/keys"
	"pdks/pkg/models"
	"pdks/pkg/reqctx"
	"pdks/pkg/store"
)

var ErrEmptyOfflineID = errors.New("offline id required")

type Reconciler struct {
	store store.Store
	ttl   time.Duration
}

// New stores markers for ttl; zero keeps them forever.
func New(s store.Store, ttl time.Duration) *Reconciler {
	if ttl < 0 {
		ttl = 0
	}
	return &Reconciler{store: s, ttl: ttl}
}

// Lookup returns the event already reconciled for offlineID, if any.
func (r *Reconciler) Lookup(ctx context.Context, offlineID string) (models.Event, bool, error) {
	rc, err := reqctx.Require(ctx)
	if err != nil {
		return models.Event{}, false, err
	}
	if strings.TrimSpace(offlineID) == "" {
		return models.Event{}, false, ErrEmptyOfflineID
	}
	raw, err := r.store.Get(ctx, keys.Sync(rc.TenantID, offlineID))
	if errors.Is(err, store.ErrNotFound) {
		return models.Event{}, false, nil
	}
	if err != nil {
		return models.Event{}, false, err
	}
	ev, err := decode(raw)
	if err != nil {
		return models.Event{}, false, err
	}
	return ev, true, nil
}

// Reconcile stores candidate as the event for offlineID unless one is already
// stored, in which case the stored event is returned and candidate discarded.
// The boolean reports whether candidate became canonical.
func (r *Reconciler) Reconcile(ctx context.Context, offlineID string, candidate models.Event) (models.Event, bool, error) {
	rc, err := reqctx.Require(ctx)
	if err != nil {
		return models.Event{}, false, err
	}
	if strings.TrimSpace(offlineID) == "" {
		return models.Event{}, false, ErrEmptyOfflineID
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		return models.Event{}, false, fmt.Errorf("encode event: %w", err)
	}
	key := keys.Sync(rc.TenantID, offlineID)
	won, err := r.store.SetNX(ctx, key, string(raw), r.ttl)
	if err != nil {
		return models.Event{}, false, err
	}
	if won {
		return candidate, true, nil
	}
	stored, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return models.Event{}, false, fmt.Errorf("%w: sync marker expired during reconcile", store.ErrUnavailable)
	}
	if err != nil {
		return models.Event{}, false, err
	}
	ev, err := decode(stored)
	if err != nil {
		return models.Event{}, false, err
	}
	return ev, false, nil
}

func decode(raw string) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return models.Event{}, fmt.Errorf("decode sync marker: %w", err)
	}
	if ev.ID == "" {
		return models.Event{}, errors.New("decode sync marker: missing event id")
	}
	return ev, nil
}
