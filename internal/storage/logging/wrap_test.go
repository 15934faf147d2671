package logging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
	"pkt.systems/feedgate/internal/storage/logging"
	"pkt.systems/feedgate/internal/storage/memory"
	"pkt.systems/feedgate/internal/storage/storagetest"
)

func TestWrappedStoresPassConformance(t *testing.T) {
	storagetest.RunAdmission(t, func(t *testing.T) storage.AdmissionStore {
		return logging.WrapAdmission(memory.NewAdmissionStore(), pslog.NoopLogger(), "test.admission")
	})
	storagetest.RunCheckpoint(t, func(t *testing.T) storage.CheckpointStore {
		return logging.WrapCheckpoint(memory.NewCheckpointStore(clock.NewManual(storagetest.Epoch)), pslog.NoopLogger(), "test.checkpoint")
	})
}

func TestWrapNilIsNil(t *testing.T) {
	t.Parallel()

	if logging.WrapAdmission(nil, nil, "x") != nil {
		t.Fatal("expected nil admission store")
	}
	if logging.WrapCheckpoint(nil, nil, "x") != nil {
		t.Fatal("expected nil checkpoint store")
	}
}

func TestForwardsPingAndSweep(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(storagetest.Epoch)
	inner := memory.NewCheckpointStore(clk)
	wrapped := logging.WrapCheckpoint(inner, nil, "test")
	ctx := context.Background()
	if err := wrapped.Create(ctx, "h", storage.Checkpoint{Cutoff: storagetest.Epoch}, time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := wrapped.(storage.Pinger).Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	n, err := wrapped.(storage.Sweeper).SweepExpired(ctx, storagetest.Epoch.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if _, err := wrapped.Get(ctx, "h"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after sweep, got %v", err)
	}
}
