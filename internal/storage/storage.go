// Package storage defines the shared state the gateway keeps outside of a
// single process: admission slots and pinned checkpoints. Every mutation of
// shared state goes through one atomic backend operation; implementations
// never read-then-write across round trips without a compare-and-set guard.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record is missing or expired.
	ErrNotFound = errors.New("storage: not found")
	// ErrExists indicates a create-only write found an existing record.
	ErrExists = errors.New("storage: already exists")
	// ErrConflict indicates an optimistic write lost its race and exhausted
	// its attempts.
	ErrConflict = errors.New("storage: conflict")
	// ErrNotImplemented marks operations a backend cannot serve.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// AcquireRequest is one admission attempt.
type AcquireRequest struct {
	Tenant    string
	RequestID string
	Limit     int
	Window    time.Duration
	// Now is supplied by the caller so every backend evaluates the same
	// instant regardless of its own clock.
	Now time.Time
}

// Cutoff is the instant before which slots count as leaked.
func (r AcquireRequest) Cutoff() time.Time {
	return r.Now.Add(-r.Window)
}

// AcquireResult reports the outcome of an admission attempt.
type AcquireResult struct {
	Granted bool
	// InFlight is the number of live slots for the tenant after the attempt.
	InFlight int
}

// AdmissionStore keeps per-tenant concurrency slots.
//
// Acquire must execute, as one atomic unit with respect to every other
// caller: purge slots acquired before req.Cutoff(), insert {RequestID, Now},
// refresh the tenant record expiry to Window, count, and when the count
// exceeds Limit remove the inserted slot and deny. A RequestID that already
// holds a live slot is granted as is: the slot keeps its original
// acquisition time and is never removed by the attempt.
//
// Release removes a slot. Releasing an unknown or expired slot is a no-op.
type AdmissionStore interface {
	Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error)
	Release(ctx context.Context, tenant, requestID string) error
	Close() error
}

// Checkpoint is the pinned cutoff for one continuation handle.
type Checkpoint struct {
	Cutoff    time.Time `json:"cutoff"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointStore is the shared, durable checkpoint tier.
//
// Create is create-only: it returns ErrExists when the handle already has a
// live record and never overwrites it. ttl bounds the record lifetime. Get
// returns ErrNotFound for missing or expired records.
type CheckpointStore interface {
	Get(ctx context.Context, handle string) (Checkpoint, error)
	Create(ctx context.Context, handle string, cp Checkpoint, ttl time.Duration) error
	Close() error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sweeper is implemented by checkpoint stores that need expired records
// removed explicitly.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
