package reqctx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestFromWithoutContext(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatal("expected no context on a bare background context")
	}
	if _, err := Require(context.Background()); !errors.Is(err, ErrMissingContext) {
		t.Fatalf("expected ErrMissingContext, got %v", err)
	}
}

func TestRequireRejectsEmptyTenant(t *testing.T) {
	ctx := With(context.Background(), RequestContext{UserID: "u1"})
	if _, err := Require(ctx); !errors.Is(err, ErrMissingContext) {
		t.Fatalf("expected ErrMissingContext for empty tenant, got %v", err)
	}
}

func TestRequireRejectsSeparatorInTenant(t *testing.T) {
	for _, tenant := range []string{"acme:eu", "acme:", " "} {
		ctx := With(context.Background(), RequestContext{TenantID: tenant, UserID: "u1"})
		if _, err := Require(ctx); !errors.Is(err, ErrMissingContext) {
			t.Fatalf("tenant %q: expected ErrMissingContext, got %v", tenant, err)
		}
	}
}

func TestWithAndRequire(t *testing.T) {
	want := RequestContext{TenantID: "acme", UserID: "u1", Role: "STAFF"}
	got, err := Require(With(context.Background(), want))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
	if !got.HasRole("admin", "staff") || got.HasRole("admin") {
		t.Fatalf("unexpected role match for %q", got.Role)
	}
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("tenant-%d", i)
			ctx := With(context.Background(), RequestContext{TenantID: tenant, UserID: "u"})
			child, cancel := context.WithCancel(ctx)
			defer cancel()
			rc, err := Require(child)
			if err != nil || rc.TenantID != tenant {
				errs <- fmt.Errorf("request %d observed %+v err=%v", i, rc, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
