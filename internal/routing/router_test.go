package routing

import (
	"errors"
	"fmt"
	"testing"
)

func origins(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("http://origin-%d.internal:3000", i)
	}
	return out
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, 0); !errors.Is(err, ErrNoOrigins) {
		t.Fatalf("expected ErrNoOrigins, got %v", err)
	}
	if _, err := New([]string{"http://a", " "}, 0); err == nil {
		t.Fatal("expected error for blank origin")
	}
	if _, err := New([]string{"http://a/", "http://a"}, 0); err == nil {
		t.Fatal("expected error for duplicate origin")
	}
}

func TestSingleOriginAlwaysReturned(t *testing.T) {
	t.Parallel()

	r, err := New([]string{"http://only:3000/"}, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 100 {
		if got := r.Route(fmt.Sprintf("env-%d", i)); got != "http://only:3000" {
			t.Fatalf("unexpected origin %q", got)
		}
	}
}

func TestRouteDeterministicAcrossRouters(t *testing.T) {
	t.Parallel()

	a, _ := New(origins(5), 0)
	b, _ := New(origins(5), 0)
	for i := range 1000 {
		tenant := fmt.Sprintf("env_%d", i)
		first := a.Route(tenant)
		if again := a.Route(tenant); again != first {
			t.Fatalf("tenant %s flipped from %s to %s", tenant, first, again)
		}
		if other := b.Route(tenant); other != first {
			t.Fatalf("tenant %s routed differently by equal routers: %s vs %s", tenant, first, other)
		}
	}
}

func TestAppendOnlyMovesTenantsToNewOrigin(t *testing.T) {
	t.Parallel()

	const tenants = 20000
	before, _ := New(origins(4), 0)
	after, _ := New(origins(5), 0)
	moved := 0
	for i := range tenants {
		tenant := fmt.Sprintf("tenant-%d", i)
		was, now := before.Index(tenant), after.Index(tenant)
		if was == now {
			continue
		}
		if now != 4 {
			t.Fatalf("tenant %s moved between existing origins %d -> %d", tenant, was, now)
		}
		moved++
	}
	// Expected share is 1/5; allow generous slack.
	if moved < tenants/10 || moved > tenants*3/10 {
		t.Fatalf("unexpected number of moved tenants: %d of %d", moved, tenants)
	}
}

func TestDistributionRoughlyEven(t *testing.T) {
	t.Parallel()

	r, _ := New(origins(4), 42)
	counts := make([]int, r.Len())
	for i := range 40000 {
		counts[r.Index(fmt.Sprintf("org-%d/env-%d", i%97, i))]++
	}
	for idx, c := range counts {
		if c < 8000 || c > 12000 {
			t.Fatalf("origin %d received %d of 40000 tenants", idx, c)
		}
	}
}

func TestOriginsReturnsCopy(t *testing.T) {
	t.Parallel()

	r, _ := New(origins(2), 0)
	list := r.Origins()
	list[0] = "mutated"
	if r.Route("x") == "mutated" || r.Origins()[0] == "mutated" {
		t.Fatal("router exposed internal slice")
	}
}
