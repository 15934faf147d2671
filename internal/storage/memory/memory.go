// Package memory provides in-process admission and checkpoint stores. They
// are exact implementations of the storage contracts but only coordinate
// callers inside one process, so they suit tests and single-instance
// deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"pkt.systems/feedgate/internal/clock"
	"pkt.systems/feedgate/internal/storage"
)

type tenantSlots struct {
	slots     map[string]time.Time
	expiresAt time.Time
}

// AdmissionStore keeps slots in a mutex-guarded map.
type AdmissionStore struct {
	mu      sync.Mutex
	tenants map[string]*tenantSlots
}

// NewAdmissionStore returns an empty store.
func NewAdmissionStore() *AdmissionStore {
	return &AdmissionStore{tenants: make(map[string]*tenantSlots)}
}

// Acquire implements storage.AdmissionStore.
func (s *AdmissionStore) Acquire(ctx context.Context, req storage.AcquireRequest) (storage.AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.AcquireResult{}, err
	}
	cutoff := req.Cutoff()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.tenants[req.Tenant]
	if rec == nil || !rec.expiresAt.After(req.Now) {
		rec = &tenantSlots{slots: make(map[string]time.Time)}
		s.tenants[req.Tenant] = rec
	}
	for id, at := range rec.slots {
		if at.Before(cutoff) {
			delete(rec.slots, id)
		}
	}
	if _, held := rec.slots[req.RequestID]; held {
		return storage.AcquireResult{Granted: true, InFlight: len(rec.slots)}, nil
	}
	rec.slots[req.RequestID] = req.Now
	rec.expiresAt = req.Now.Add(req.Window)
	count := len(rec.slots)
	if count > req.Limit {
		delete(rec.slots, req.RequestID)
		return storage.AcquireResult{Granted: false, InFlight: count - 1}, nil
	}
	return storage.AcquireResult{Granted: true, InFlight: count}, nil
}

// Release implements storage.AdmissionStore.
func (s *AdmissionStore) Release(_ context.Context, tenant, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.tenants[tenant]
	if rec == nil {
		return nil
	}
	delete(rec.slots, requestID)
	if len(rec.slots) == 0 {
		delete(s.tenants, tenant)
	}
	return nil
}

// Close implements storage.AdmissionStore.
func (s *AdmissionStore) Close() error { return nil }

// Ping implements storage.Pinger.
func (s *AdmissionStore) Ping(context.Context) error { return nil }

type checkpointEntry struct {
	cp        storage.Checkpoint
	expiresAt time.Time
}

// CheckpointStore keeps checkpoints in a mutex-guarded map with lazy expiry.
type CheckpointStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]checkpointEntry
}

// NewCheckpointStore returns an empty store. A nil clock uses real time.
func NewCheckpointStore(clk clock.Clock) *CheckpointStore {
	return &CheckpointStore{clock: clock.Or(clk), entries: make(map[string]checkpointEntry)}
}

// Get implements storage.CheckpointStore.
func (s *CheckpointStore) Get(_ context.Context, handle string) (storage.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[handle]
	if !ok {
		return storage.Checkpoint{}, storage.ErrNotFound
	}
	if !entry.expiresAt.After(s.clock.Now()) {
		delete(s.entries, handle)
		return storage.Checkpoint{}, storage.ErrNotFound
	}
	return entry.cp, nil
}

// Create implements storage.CheckpointStore.
func (s *CheckpointStore) Create(_ context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if entry, ok := s.entries[handle]; ok && entry.expiresAt.After(now) {
		return storage.ErrExists
	}
	s.entries[handle] = checkpointEntry{cp: cp, expiresAt: now.Add(ttl)}
	return nil
}

// SweepExpired implements storage.Sweeper.
func (s *CheckpointStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for handle, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, handle)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (s *CheckpointStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close implements storage.CheckpointStore.
func (s *CheckpointStore) Close() error { return nil }

// Ping implements storage.Pinger.
func (s *CheckpointStore) Ping(context.Context) error { return nil }
