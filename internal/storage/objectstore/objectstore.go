// Package objectstore keeps checkpoints as small JSON objects in S3-style
// object storage. Create-only semantics come from conditional writes
// (If-None-Match: *); an expired object is replaced only through an
// ETag-matched write, so two gateways racing on one handle cannot both win.
package objectstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
)

// Driver is the minimal object API a backend must provide.
type Driver interface {
	// Get returns the object body and ETag, or storage.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, string, error)
	// Put writes body. An empty etag means create-only. A failed
	// precondition returns storage.ErrExists.
	Put(ctx context.Context, key string, body []byte, etag string) error
	Close() error
}

// Store implements storage.CheckpointStore on a Driver.
type Store struct {
	driver Driver
	prefix string
	clock  clock.Clock
}

// New wraps driver. Objects are written under prefix/checkpoints/.
func New(driver Driver, prefix string, clk clock.Clock) *Store {
	return &Store{driver: driver, prefix: strings.Trim(prefix, "/"), clock: clock.Or(clk)}
}

type record struct {
	Handle string `json:"handle"`
	storage.Checkpoint
	ExpiresAt time.Time `json:"expires_at"`
}

// ObjectKey returns the object key holding handle's checkpoint.
func (s *Store) ObjectKey(handle string) string {
	sum := xxh3.HashString128(handle).Bytes()
	return path.Join(s.prefix, "checkpoints", hex.EncodeToString(sum[:])+".json")
}

func (s *Store) load(ctx context.Context, handle string) (record, string, error) {
	body, etag, err := s.driver.Get(ctx, s.ObjectKey(handle))
	if err != nil {
		return record{}, "", err
	}
	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		return record{}, "", fmt.Errorf("objectstore: decode checkpoint: %w", err)
	}
	return rec, etag, nil
}

// Get implements storage.CheckpointStore.
func (s *Store) Get(ctx context.Context, handle string) (storage.Checkpoint, error) {
	rec, _, err := s.load(ctx, handle)
	if err != nil {
		return storage.Checkpoint{}, err
	}
	if rec.Handle != handle || !rec.ExpiresAt.After(s.clock.Now()) {
		return storage.Checkpoint{}, storage.ErrNotFound
	}
	return rec.Checkpoint, nil
}

// Create implements storage.CheckpointStore.
func (s *Store) Create(ctx context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	now := s.clock.Now()
	body, err := json.Marshal(record{Handle: handle, Checkpoint: cp, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("objectstore: encode checkpoint: %w", err)
	}
	key := s.ObjectKey(handle)
	err = s.driver.Put(ctx, key, body, "")
	if !errors.Is(err, storage.ErrExists) {
		return err
	}
	existing, etag, err := s.load(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrExists
	}
	if err != nil {
		return err
	}
	if existing.Handle == handle && existing.ExpiresAt.After(now) {
		return storage.ErrExists
	}
	return s.driver.Put(ctx, key, body, etag)
}

// Close implements storage.CheckpointStore.
func (s *Store) Close() error {
	return s.driver.Close()
}

// Ping implements storage.Pinger by reading a key that never exists.
func (s *Store) Ping(ctx context.Context) error {
	_, _, err := s.driver.Get(ctx, path.Join(s.prefix, "checkpoints", ".ping"))
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
