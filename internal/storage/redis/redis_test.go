package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/feedgate/internal/storage"
	"pkt.systems/feedgate/internal/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(Config{URL: "redis://" + mr.Addr() + "/0", KeyPrefix: "test"})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestAdmissionConformance(t *testing.T) {
	storagetest.RunAdmission(t, func(t *testing.T) storage.AdmissionStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestCheckpointConformance(t *testing.T) {
	storagetest.RunCheckpoint(t, func(t *testing.T) storage.CheckpointStore {
		store, _ := newTestStore(t)
		return store
	})
}

func TestAcquireSetsRecordExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	_, err := store.Acquire(context.Background(), storage.AcquireRequest{
		Tenant: "env", RequestID: "r1", Limit: 2, Window: 45 * time.Second, Now: storagetest.Epoch,
	})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	key := "test:admission:{env}"
	if ttl := mr.TTL(key); ttl != 45*time.Second {
		t.Fatalf("expected 45s ttl, got %v", ttl)
	}
	mr.FastForward(46 * time.Second)
	if mr.Exists(key) {
		t.Fatal("expected tenant record to expire")
	}
}

func TestCheckpointTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	cp := storage.Checkpoint{Cutoff: storagetest.Epoch, CreatedAt: storagetest.Epoch}
	if err := store.Create(ctx, "h", cp, time.Hour); err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.FastForward(time.Hour + time.Second)
	if _, err := store.Get(ctx, "h"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestUnreachableIsTransient(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	store, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer client.Close()
	_, err = store.Acquire(context.Background(), storage.AcquireRequest{Tenant: "t", RequestID: "r", Limit: 1, Window: time.Second, Now: time.Now()})
	if err == nil {
		t.Fatal("expected error")
	}
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure")
	}
}
