// Package redis implements the admission and checkpoint stores on Redis.
//
// Admission slots live in one sorted set per tenant scored by acquisition
// time in milliseconds; the whole acquire algorithm runs inside a Lua script
// so concurrent gateways can never both observe room under the limit.
// Checkpoints are plain keys written with SET NX PX.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"pkt.systems/feedgate/internal/storage"
)

// DefaultKeyPrefix namespaces every key written by the stores.
const DefaultKeyPrefix = "feedgate"

// acquireScript returns {granted, inflight}. Scores and bounds are passed
// as preformatted strings so no number formatting happens inside Lua.
var acquireScript = goredis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local exclusiveCutoff = ARGV[2]
local windowMillis = ARGV[3]
local limit = tonumber(ARGV[4])
local member = ARGV[5]
redis.call('ZREMRANGEBYSCORE', key, '-inf', exclusiveCutoff)
if redis.call('ZSCORE', key, member) then
  return {1, redis.call('ZCARD', key)}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, windowMillis)
local count = redis.call('ZCARD', key)
if count > limit then
  redis.call('ZREM', key, member)
  return {0, count - 1}
end
return {1, count}
`)

// Config controls how the stores address Redis.
type Config struct {
	// URL is a redis:// or rediss:// URL understood by go-redis.
	URL       string
	KeyPrefix string
	// Client overrides URL when set.
	Client goredis.UniversalClient
}

// Store implements storage.AdmissionStore and storage.CheckpointStore.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
}

// New connects to Redis according to cfg.
func New(cfg Config) (*Store, error) {
	prefix := strings.Trim(cfg.KeyPrefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if cfg.Client != nil {
		return &Store{client: cfg.Client, prefix: prefix}, nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis: url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	return &Store{client: goredis.NewClient(opts), prefix: prefix, owned: true}, nil
}

func (s *Store) admissionKey(tenant string) string {
	// Hash tag keeps a tenant's set on one cluster slot.
	return s.prefix + ":admission:{" + tenant + "}"
}

func (s *Store) checkpointKey(handle string) string {
	return s.prefix + ":checkpoint:" + handle
}

// Acquire implements storage.AdmissionStore.
func (s *Store) Acquire(ctx context.Context, req storage.AcquireRequest) (storage.AcquireResult, error) {
	window := req.Window.Milliseconds()
	if window <= 0 {
		window = 1
	}
	out, err := acquireScript.Run(ctx, s.client,
		[]string{s.admissionKey(req.Tenant)},
		strconv.FormatInt(req.Now.UnixMilli(), 10),
		"("+strconv.FormatInt(req.Now.UnixMilli()-window, 10),
		strconv.FormatInt(window, 10),
		strconv.Itoa(req.Limit),
		req.RequestID,
	).Int64Slice()
	if err != nil {
		return storage.AcquireResult{}, wrapError(err, "redis: acquire")
	}
	if len(out) != 2 {
		return storage.AcquireResult{}, fmt.Errorf("redis: acquire: unexpected script reply %v", out)
	}
	return storage.AcquireResult{Granted: out[0] == 1, InFlight: int(out[1])}, nil
}

// Release implements storage.AdmissionStore.
func (s *Store) Release(ctx context.Context, tenant, requestID string) error {
	if err := s.client.ZRem(ctx, s.admissionKey(tenant), requestID).Err(); err != nil {
		return wrapError(err, "redis: release")
	}
	return nil
}

// Get implements storage.CheckpointStore.
func (s *Store) Get(ctx context.Context, handle string) (storage.Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(handle)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return storage.Checkpoint{}, storage.ErrNotFound
		}
		return storage.Checkpoint{}, wrapError(err, "redis: get checkpoint")
	}
	var cp storage.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return storage.Checkpoint{}, fmt.Errorf("redis: decode checkpoint: %w", err)
	}
	return cp, nil
}

// Create implements storage.CheckpointStore.
func (s *Store) Create(ctx context.Context, handle string, cp storage.Checkpoint, ttl time.Duration) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis: encode checkpoint: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.checkpointKey(handle), payload, ttl).Result()
	if err != nil {
		return wrapError(err, "redis: create checkpoint")
	}
	if !created {
		return storage.ErrExists
	}
	return nil
}

// Ping implements storage.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return wrapError(s.client.Ping(ctx).Err(), "redis: ping")
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "TRYAGAIN") || strings.HasPrefix(msg, "CLUSTERDOWN")
}
