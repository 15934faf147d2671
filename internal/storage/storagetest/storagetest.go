// Package storagetest holds backend-agnostic conformance tests for
// admission and checkpoint stores.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/feedgate/internal/storage"
)

// Epoch is the reference instant used by the suites.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// AdmissionFactory returns a fresh, empty admission store.
type AdmissionFactory func(t *testing.T) storage.AdmissionStore

// CheckpointFactory returns a fresh, empty checkpoint store.
type CheckpointFactory func(t *testing.T) storage.CheckpointStore

func acquire(t *testing.T, s storage.AdmissionStore, tenant, id string, limit int, window time.Duration, now time.Time) storage.AcquireResult {
	t.Helper()
	res, err := s.Acquire(context.Background(), storage.AcquireRequest{
		Tenant:    tenant,
		RequestID: id,
		Limit:     limit,
		Window:    window,
		Now:       now,
	})
	if err != nil {
		t.Fatalf("acquire %s/%s: %v", tenant, id, err)
	}
	return res
}

// RunAdmission exercises the admission contract against stores from factory.
func RunAdmission(t *testing.T, factory AdmissionFactory) {
	t.Run("GrantsUpToLimit", func(t *testing.T) {
		s := factory(t)
		for i := range 3 {
			res := acquire(t, s, "env-a", fmt.Sprintf("r%d", i), 3, time.Minute, Epoch)
			if !res.Granted || res.InFlight != i+1 {
				t.Fatalf("acquire %d: %+v", i, res)
			}
		}
		res := acquire(t, s, "env-a", "r3", 3, time.Minute, Epoch)
		if res.Granted {
			t.Fatal("expected rejection once limit reached")
		}
		if res.InFlight != 3 {
			t.Fatalf("rejected attempt must not occupy a slot, in flight %d", res.InFlight)
		}
	})

	t.Run("ConcurrentAcquireHonoursLimit", func(t *testing.T) {
		s := factory(t)
		const limit = 8
		var granted atomic.Int32
		var wg sync.WaitGroup
		errs := make(chan error, 2*limit)
		for i := range 2 * limit {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Acquire(context.Background(), storage.AcquireRequest{
					Tenant:    "env-burst",
					RequestID: fmt.Sprintf("burst-%d", i),
					Limit:     limit,
					Window:    time.Minute,
					Now:       Epoch,
				})
				if err != nil {
					errs <- err
					return
				}
				if res.Granted {
					granted.Add(1)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent acquire: %v", err)
		}
		if got := granted.Load(); got != limit {
			t.Fatalf("expected exactly %d grants, got %d", limit, got)
		}
	})

	t.Run("ReleaseFreesSlot", func(t *testing.T) {
		s := factory(t)
		acquire(t, s, "env-b", "one", 1, time.Minute, Epoch)
		if acquire(t, s, "env-b", "two", 1, time.Minute, Epoch).Granted {
			t.Fatal("expected rejection at limit 1")
		}
		if err := s.Release(context.Background(), "env-b", "one"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if !acquire(t, s, "env-b", "two", 1, time.Minute, Epoch).Granted {
			t.Fatal("expected grant after release")
		}
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		acquire(t, s, "env-c", "keep", 2, time.Minute, Epoch)
		acquire(t, s, "env-d", "gone", 2, time.Minute, Epoch)
		for range 2 {
			if err := s.Release(ctx, "env-d", "gone"); err != nil {
				t.Fatalf("release: %v", err)
			}
		}
		if err := s.Release(ctx, "env-unknown", "nothing"); err != nil {
			t.Fatalf("release unknown: %v", err)
		}
		res := acquire(t, s, "env-c", "second", 2, time.Minute, Epoch)
		if !res.Granted || res.InFlight != 2 {
			t.Fatalf("other tenant affected by release: %+v", res)
		}
	})

	t.Run("ExpiredSlotsAreReclaimed", func(t *testing.T) {
		s := factory(t)
		window := 30 * time.Second
		acquire(t, s, "env-e", "leaked", 1, window, Epoch)
		if acquire(t, s, "env-e", "early", 1, window, Epoch.Add(window-time.Second)).Granted {
			t.Fatal("slot reclaimed before window elapsed")
		}
		res := acquire(t, s, "env-e", "late", 1, window, Epoch.Add(window+time.Second))
		if !res.Granted || res.InFlight != 1 {
			t.Fatalf("expected leaked slot to be reclaimed: %+v", res)
		}
		if err := s.Release(context.Background(), "env-e", "leaked"); err != nil {
			t.Fatalf("release of reclaimed slot: %v", err)
		}
	})

	t.Run("HeldRequestIDKeepsSlot", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		acquire(t, s, "env-h", "a", 2, time.Minute, Epoch)
		acquire(t, s, "env-h", "b", 2, time.Minute, Epoch)
		// The tenant is over the lower limit, but "a" already holds a slot.
		res := acquire(t, s, "env-h", "a", 1, time.Minute, Epoch.Add(10*time.Second))
		if !res.Granted || res.InFlight != 2 {
			t.Fatalf("expected held slot to be granted as is: %+v", res)
		}
		if err := s.Release(ctx, "env-h", "b"); err != nil {
			t.Fatalf("release: %v", err)
		}
		res = acquire(t, s, "env-h", "c", 2, time.Minute, Epoch.Add(20*time.Second))
		if !res.Granted || res.InFlight != 2 {
			t.Fatalf("slot for a was dropped by the repeated acquire: %+v", res)
		}
		// "a" keeps its first acquisition time, so it is reclaimed here.
		res = acquire(t, s, "env-h", "d", 2, time.Minute, Epoch.Add(65*time.Second))
		if !res.Granted || res.InFlight != 2 {
			t.Fatalf("slot for a was re-stamped by the repeated acquire: %+v", res)
		}
	})

	t.Run("TenantsAreIsolated", func(t *testing.T) {
		s := factory(t)
		acquire(t, s, "env-f", "x", 1, time.Minute, Epoch)
		if !acquire(t, s, "env-g", "x", 1, time.Minute, Epoch).Granted {
			t.Fatal("tenant g blocked by tenant f")
		}
	})
}

// RunCheckpoint exercises the checkpoint contract against stores from factory.
func RunCheckpoint(t *testing.T, factory CheckpointFactory) {
	t.Run("MissingIsNotFound", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("CreateThenGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		cp := storage.Checkpoint{Cutoff: Epoch.Add(-24 * time.Hour), CreatedAt: Epoch}
		if err := s.Create(ctx, "handle-1", cp, time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.Get(ctx, "handle-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Cutoff.Equal(cp.Cutoff) || !got.CreatedAt.Equal(cp.CreatedAt) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, cp)
		}
	})

	t.Run("CreateNeverOverwrites", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		first := storage.Checkpoint{Cutoff: Epoch.Add(-8 * 24 * time.Hour), CreatedAt: Epoch}
		if err := s.Create(ctx, "handle-2", first, time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}
		second := storage.Checkpoint{Cutoff: Epoch.Add(-time.Hour), CreatedAt: Epoch.Add(time.Minute)}
		if err := s.Create(ctx, "handle-2", second, time.Hour); !errors.Is(err, storage.ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
		got, err := s.Get(ctx, "handle-2")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Cutoff.Equal(first.Cutoff) {
			t.Fatalf("checkpoint overwritten: %v", got.Cutoff)
		}
	})

	t.Run("OpaqueHandles", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		handle := "8f2e/../weird handle?x=1&y=ü"
		cp := storage.Checkpoint{Cutoff: Epoch, CreatedAt: Epoch}
		if err := s.Create(ctx, handle, cp, time.Hour); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Get(ctx, handle); err != nil {
			t.Fatalf("get: %v", err)
		}
	})
}
