package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
	"pkt.systems/feedgate/internal/storage/memory"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type brokenStore struct{}

func (brokenStore) Acquire(context.Context, storage.AcquireRequest) (storage.AcquireResult, error) {
	return storage.AcquireResult{}, errors.New("dial tcp: connection refused")
}
func (brokenStore) Release(context.Context, string, string) error { return errors.New("down") }
func (brokenStore) Close() error                                  { return nil }

type countingStore struct {
	*memory.AdmissionStore
	releases atomic.Int32
	lastNow  atomic.Value
}

func (c *countingStore) Acquire(ctx context.Context, req storage.AcquireRequest) (storage.AcquireResult, error) {
	c.lastNow.Store(req.Now)
	return c.AdmissionStore.Acquire(ctx, req)
}

func (c *countingStore) Release(ctx context.Context, tenant, id string) error {
	c.releases.Add(1)
	return c.AdmissionStore.Release(ctx, tenant, id)
}

func newController(t *testing.T, store storage.AdmissionStore, clk clock.Clock, policy FailurePolicy) *Controller {
	t.Helper()
	c, err := New(Config{Store: store, Clock: clk, Policy: policy})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestConcurrentAcquireGrantsExactlyLimit(t *testing.T) {
	t.Parallel()

	const limit = 8
	c := newController(t, memory.NewAdmissionStore(), clock.NewManual(epoch), FailClosed)
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := c.TryAcquire(context.Background(), "env-1", fmt.Sprintf("req-%d", i), limit, time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				granted.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := granted.Load(); got != limit {
		t.Fatalf("expected exactly %d grants, got %d", limit, got)
	}
}

func TestControllerSuppliesClockNow(t *testing.T) {
	t.Parallel()

	store := &countingStore{AdmissionStore: memory.NewAdmissionStore()}
	clk := clock.NewManual(epoch)
	c := newController(t, store, clk, FailClosed)
	if _, err := c.TryAcquire(context.Background(), "env", "r1", 1, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := store.lastNow.Load().(time.Time); !got.Equal(epoch) {
		t.Fatalf("expected store to see %v, got %v", epoch, got)
	}
}

func TestLeakedSlotIsReclaimedAfterWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(epoch)
	c := newController(t, memory.NewAdmissionStore(), clk, FailClosed)
	ctx := context.Background()
	if ok, _ := c.TryAcquire(ctx, "env", "leaked", 1, time.Minute); !ok {
		t.Fatal("first acquire should succeed")
	}
	if ok, _ := c.TryAcquire(ctx, "env", "second", 1, time.Minute); ok {
		t.Fatal("second acquire should be denied")
	}
	clk.Advance(time.Minute + time.Second)
	if ok, _ := c.TryAcquire(ctx, "env", "third", 1, time.Minute); !ok {
		t.Fatal("acquire after window should succeed without release")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newController(t, memory.NewAdmissionStore(), clock.NewManual(epoch), FailClosed)
	ctx := context.Background()
	if ok, _ := c.TryAcquire(ctx, "env", "r1", 1, time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}
	for i := 0; i < 2; i++ {
		if err := c.Release(ctx, "env", "r1"); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if err := c.Release(ctx, "other", "never"); err != nil {
		t.Fatalf("release unknown: %v", err)
	}
}

func TestAdmitRejectsOverLimit(t *testing.T) {
	t.Parallel()

	c := newController(t, memory.NewAdmissionStore(), clock.NewManual(epoch), FailClosed)
	ctx := context.Background()
	lease, err := c.Admit(ctx, "env", "r1", 1, time.Minute)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, err := c.Admit(ctx, "env", "r2", 1, time.Minute); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	lease.Release(ctx)
	if _, err := c.Admit(ctx, "env", "r3", 1, time.Minute); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestLeaseReleasesExactlyOnce(t *testing.T) {
	t.Parallel()

	store := &countingStore{AdmissionStore: memory.NewAdmissionStore()}
	c := newController(t, store, clock.NewManual(epoch), FailClosed)
	lease, err := c.Admit(context.Background(), "env", "r1", 2, time.Minute)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease.Release(ctx)
		}()
	}
	wg.Wait()
	if n := store.releases.Load(); n != 1 {
		t.Fatalf("expected exactly one release, got %d", n)
	}
}

func TestFailurePolicies(t *testing.T) {
	t.Parallel()

	closed := newController(t, brokenStore{}, nil, FailClosed)
	if _, err := closed.Admit(context.Background(), "env", "r1", 1, time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	open := newController(t, brokenStore{}, nil, FailOpen)
	lease, err := open.Admit(context.Background(), "env", "r1", 1, time.Minute)
	if err != nil {
		t.Fatalf("fail-open admit: %v", err)
	}
	if lease.Held() {
		t.Fatal("fail-open lease must not hold a slot")
	}
	lease.Release(context.Background())
}

func TestParseFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{in: "", want: FailClosed},
		{in: "closed", want: FailClosed},
		{in: "OPEN", want: FailOpen},
		{in: "fail-open", want: FailOpen},
		{in: "sometimes", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseFailurePolicy(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if !tc.wantErr && got != tc.want {
			t.Fatalf("%q: expected %v, got %v", tc.in, tc.want, got)
		}
	}
}
