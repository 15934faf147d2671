// Package natskv implements the admission and checkpoint stores on NATS
// JetStream key-value buckets.
//
// Each tenant's slots are one KV entry updated with revision-checked writes,
// so an acquire either lands on the revision it read or retries from
// scratch. Checkpoints use KV Create, which fails when the key exists.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"pkt.systems/feedgate/internal/storage"
)

// Defaults for bucket names and limits.
const (
	DefaultAdmissionBucket  = "feedgate_admission"
	DefaultCheckpointBucket = "feedgate_checkpoints"
	DefaultMaxAttempts      = 32
	// DefaultAdmissionTTL bounds how long an untouched tenant record lives
	// in the bucket; slots are additionally expired by their own timestamps.
	DefaultAdmissionTTL = 10 * time.Minute
	// DefaultCheckpointTTL bounds checkpoint entries in the bucket.
	DefaultCheckpointTTL = 30 * 24 * time.Hour
)

// Config controls bucket layout and connection.
type Config struct {
	URL              string
	AdmissionBucket  string
	CheckpointBucket string
	AdmissionTTL     time.Duration
	CheckpointTTL    time.Duration
	Replicas         int
	MemoryStorage    bool
	MaxAttempts      int
	// Conn overrides URL when set; the store does not close it.
	Conn *nats.Conn
}

// Store implements storage.AdmissionStore and storage.CheckpointStore.
type Store struct {
	nc          *nats.Conn
	owned       bool
	admission   jetstream.KeyValue
	checkpoints jetstream.KeyValue
	maxAttempts int
}

// Open connects to NATS and creates or opens both buckets.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	nc := cfg.Conn
	owned := false
	if nc == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("natskv: url is required")
		}
		var err error
		nc, err = nats.Connect(cfg.URL, nats.Name("feedgate"), nats.MaxReconnects(-1))
		if err != nil {
			return nil, fmt.Errorf("natskv: connect: %w", err)
		}
		owned = true
	}
	store, err := open(ctx, nc, cfg)
	if err != nil {
		if owned {
			nc.Close()
		}
		return nil, err
	}
	store.owned = owned
	return store, nil
}

func open(ctx context.Context, nc *nats.Conn, cfg Config) (*Store, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}
	storageType := jetstream.FileStorage
	if cfg.MemoryStorage {
		storageType = jetstream.MemoryStorage
	}
	bucket := func(name, fallback string, ttl, defTTL time.Duration) jetstream.KeyValueConfig {
		if name == "" {
			name = fallback
		}
		if ttl <= 0 {
			ttl = defTTL
		}
		return jetstream.KeyValueConfig{
			Bucket:   name,
			History:  1,
			TTL:      ttl,
			Storage:  storageType,
			Replicas: max(cfg.Replicas, 1),
		}
	}
	admission, err := js.CreateOrUpdateKeyValue(ctx, bucket(cfg.AdmissionBucket, DefaultAdmissionBucket, cfg.AdmissionTTL, DefaultAdmissionTTL))
	if err != nil {
		return nil, fmt.Errorf("natskv: admission bucket: %w", err)
	}
	checkpoints, err := js.CreateOrUpdateKeyValue(ctx, bucket(cfg.CheckpointBucket, DefaultCheckpointBucket, cfg.CheckpointTTL, DefaultCheckpointTTL))
	if err != nil {
		return nil, fmt.Errorf("natskv: checkpoint bucket: %w", err)
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Store{nc: nc, admission: admission, checkpoints: checkpoints, maxAttempts: attempts}, nil
}

// encodeKey maps arbitrary strings onto the KV key alphabet.
func encodeKey(raw string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

type slotRecord struct {
	Slots     map[string]int64 `json:"slots"`
	ExpiresAt int64            `json:"expires_at"`
}

func (s *Store) loadSlots(ctx context.Context, key string) (slotRecord, uint64, error) {
	entry, err := s.admission.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return slotRecord{Slots: map[string]int64{}}, 0, nil
		}
		return slotRecord{}, 0, wrapError(err, "natskv: load slots")
	}
	var rec slotRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return slotRecord{}, 0, fmt.Errorf("natskv: decode slots: %w", err)
	}
	if rec.Slots == nil {
		rec.Slots = map[string]int64{}
	}
	return rec, entry.Revision(), nil
}

func (s *Store) writeSlots(ctx context.Context, key string, rec slotRecord, revision uint64) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("natskv: encode slots: %w", err)
	}
	if revision == 0 {
		_, err = s.admission.Create(ctx, key, payload)
	} else {
		_, err = s.admission.Update(ctx, key, payload, revision)
	}
	return err
}

// Acquire implements storage.AdmissionStore. A denied attempt writes
// nothing: inserting and immediately removing the slot leaves the record
// unchanged, and expired slots are ignored on the next read anyway.
func (s *Store) Acquire(ctx context.Context, req storage.AcquireRequest) (storage.AcquireResult, error) {
	key := encodeKey(req.Tenant)
	now := req.Now.UnixMilli()
	cutoff := req.Cutoff().UnixMilli()
	for attempt := range s.maxAttempts {
		rec, revision, err := s.loadSlots(ctx, key)
		if err != nil {
			return storage.AcquireResult{}, err
		}
		if rec.ExpiresAt <= now {
			rec.Slots = map[string]int64{}
		}
		for id, at := range rec.Slots {
			if at < cutoff {
				delete(rec.Slots, id)
			}
		}
		if _, held := rec.Slots[req.RequestID]; held {
			return storage.AcquireResult{Granted: true, InFlight: len(rec.Slots)}, nil
		}
		if len(rec.Slots)+1 > req.Limit {
			return storage.AcquireResult{Granted: false, InFlight: len(rec.Slots)}, nil
		}
		rec.Slots[req.RequestID] = now
		rec.ExpiresAt = now + req.Window.Milliseconds()
		err = s.writeSlots(ctx, key, rec, revision)
		if err == nil {
			return storage.AcquireResult{Granted: true, InFlight: len(rec.Slots)}, nil
		}
		if !isRevisionConflict(err) {
			return storage.AcquireResult{}, wrapError(err, "natskv: write slots")
		}
		if err := backoff(ctx, attempt); err != nil {
			return storage.AcquireResult{}, err
		}
	}
	return storage.AcquireResult{}, storage.NewTransientError(fmt.Errorf("natskv: acquire %s: %w", req.Tenant, storage.ErrConflict))
}

// Release implements storage.AdmissionStore.
func (s *Store) Release(ctx context.Context, tenant, requestID string) error {
	key := encodeKey(tenant)
	for attempt := range s.maxAttempts {
		rec, revision, err := s.loadSlots(ctx, key)
		if err != nil {
			return err
		}
		if _, ok := rec.Slots[requestID]; !ok || revision == 0 {
			return nil
		}
		delete(rec.Slots, requestID)
		if len(rec.Slots) == 0 {
			err = s.admission.Delete(ctx, key, jetstream.LastRevision(revision))
		} else {
			err = s.writeSlots(ctx, key, rec, revision)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return wrapError(err, "natskv: release")
		}
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return storage.NewTransientError(fmt.Errorf("natskv: release %s: %w", tenant, storage.ErrConflict))
}

type checkpointRecord struct {
	storage.Checkpoint
	ExpiresAt time.Time `json:"expires_at"`
}

// Get implements storage.CheckpointStore.
func (s *Store) Get(ctx context.Context, handle string) (storage.Checkpoint, error) {
	rec, _, err := s.getCheckpoint(ctx, encodeKey(handle))
	if err != nil {
		return storage.Checkpoint{}, err
	}
	if !rec.ExpiresAt.After(time.Now()) {
		return storage.Checkpoint{}, storage.ErrNotFound
	}
	return rec.Checkpoint, nil
}

func (s *Store) getCheckpoint(ctx context.Context, key string) (checkpointRecord, uint64, error) {
	entry, err := s.checkpoints.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return checkpointRecord{}, 0, storage.ErrNotFound
		}
		return checkpointRecord{}, 0, wrapError(err, "natskv: get checkpoint")
	}
	var rec checkpointRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return checkpointRecord{}, 0, fmt.Errorf("natskv: decode checkpoint: %w", err)
	}
	return rec, entry.Revision(), nil
}

// Create implements storage.CheckpointStore. A record that exists but has
// outlived its own ttl is replaced with a revision-checked update.
func (s *Store) Create(ctx context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	key := encodeKey(handle)
	now := time.Now()
	payload, err := json.Marshal(checkpointRecord{Checkpoint: cp, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("natskv: encode checkpoint: %w", err)
	}
	_, err = s.checkpoints.Create(ctx, key, payload)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return wrapError(err, "natskv: create checkpoint")
	}
	existing, revision, err := s.getCheckpoint(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ErrExists
	}
	if err != nil {
		return err
	}
	if existing.ExpiresAt.After(now) {
		return storage.ErrExists
	}
	if _, err := s.checkpoints.Update(ctx, key, payload, revision); err != nil {
		if isRevisionConflict(err) {
			return storage.ErrExists
		}
		return wrapError(err, "natskv: replace checkpoint")
	}
	return nil
}

// Ping implements storage.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return storage.NewTransientError(fmt.Errorf("natskv: %w", nats.ErrConnectionClosed))
	}
	if _, err := s.admission.Status(ctx); err != nil {
		return wrapError(err, "natskv: status")
	}
	return nil
}

// Close drains the connection when the store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.nc.Drain()
	}
	return nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(1+rand.IntN(1+min(attempt, 8))) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) || errors.Is(err, jetstream.ErrNoHeartbeat) ||
		errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionReconnecting) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
