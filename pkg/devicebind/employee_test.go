package devicebind

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pdks/pkg/reqctx"
	"pdks/pkg/store"
)

func employeeCtx(tenant, user string) context.Context {
	return reqctx.With(context.Background(), reqctx.RequestContext{TenantID: tenant, UserID: user})
}

func TestEmployeePinsFirstFingerprint(t *testing.T) {
	mem := store.NewMemoryStore()
	g := NewEmployeeGate(mem)
	ctx := employeeCtx("acme", "u1")

	d, err := g.Validate(ctx, " fp-1 ")
	if err != nil || d.Fingerprint != "fp-1" {
		t.Fatalf("expected first fingerprint to pin, got %+v err=%v", d, err)
	}
	if _, err := mem.Get(ctx, "pdks:emp_dev:acme:u1"); err != nil {
		t.Fatalf("expected pin under the employee key: %v", err)
	}
	if _, err := g.Validate(ctx, "fp-1"); err != nil {
		t.Fatalf("same device must pass: %v", err)
	}
	pinned, err := g.Validate(ctx, "fp-2")
	if !errors.Is(err, ErrDeviceMismatch) || pinned.Fingerprint != "fp-1" {
		t.Fatalf("expected mismatch reporting fp-1, got %+v err=%v", pinned, err)
	}
	if _, err := g.Validate(ctx, ""); !errors.Is(err, ErrDeviceMismatch) {
		t.Fatalf("a pinned user must not check in without a fingerprint, got %v", err)
	}
}

func TestEmployeePinIsPerTenantUser(t *testing.T) {
	g := NewEmployeeGate(store.NewMemoryStore())
	if _, err := g.Validate(employeeCtx("acme", "u1"), "fp-1"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if _, err := g.Validate(employeeCtx("acme", "u2"), "fp-2"); err != nil {
		t.Fatalf("another user pins independently: %v", err)
	}
	if _, err := g.Validate(employeeCtx("globex", "u1"), "fp-9"); err != nil {
		t.Fatalf("same user id in another tenant pins independently: %v", err)
	}
}

func TestEmployeeWithoutFingerprintNeverPins(t *testing.T) {
	mem := store.NewMemoryStore()
	g := NewEmployeeGate(mem)
	if _, err := g.Validate(employeeCtx("acme", "u1"), ""); err != nil {
		t.Fatalf("unpinned user without fingerprint passes: %v", err)
	}
	if mem.Len() != 0 {
		t.Fatal("an empty fingerprint must not create a pin")
	}
	if _, err := g.Validate(context.Background(), "fp-1"); !errors.Is(err, reqctx.ErrMissingContext) {
		t.Fatalf("expected missing context, got %v", err)
	}
	if _, err := g.Validate(employeeCtx("acme", ""), "fp-1"); !errors.Is(err, reqctx.ErrMissingContext) {
		t.Fatalf("expected missing context without user, got %v", err)
	}
}

func TestEmployeeResetAllowsNewDevice(t *testing.T) {
	g := NewEmployeeGate(store.NewMemoryStore())
	ctx := employeeCtx("acme", "u1")
	if _, err := g.Validate(ctx, "fp-1"); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := g.Reset(ctx, "acme", "u1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, found, _ := g.Lookup(ctx, "acme", "u1"); found {
		t.Fatal("expected pin cleared")
	}
	if _, err := g.Validate(ctx, "fp-2"); err != nil {
		t.Fatalf("new device after reset: %v", err)
	}
	if err := g.Reset(ctx, "acme:eu", "u1"); !errors.Is(err, reqctx.ErrMissingContext) {
		t.Fatalf("expected invalid tenant to be refused, got %v", err)
	}
}

func TestEmployeeConcurrentFirstDevices(t *testing.T) {
	g := NewEmployeeGate(store.NewMemoryStore())
	ctx := employeeCtx("acme", "u1")
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for _, fp := range []string{"fp-a", "fp-b", "fp-c", "fp-d"} {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			if _, err := g.Validate(ctx, fp); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(fp)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one device to pin, got %d", winners)
	}
}
