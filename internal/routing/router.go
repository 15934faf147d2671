// Package routing pins every tenant to one change-feed origin.
//
// Continuation handles are only meaningful to the origin that minted them, so
// a tenant must keep landing on the same origin for as long as the origin list
// is unchanged. Tenants are hashed with XXH3 and mapped onto the origin list
// with jump consistent hashing: appending origins only moves the share of
// tenants that the new origins take over, and nothing moves between the
// existing ones.
package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// ErrNoOrigins is returned when a router is built from an empty origin list.
var ErrNoOrigins = errors.New("routing: at least one origin is required")

// Router maps tenant identifiers to origins.
type Router struct {
	origins []string
	seed    uint64
}

// New builds a router over origins. Order matters: origins may only be
// appended to keep existing tenants in place. A zero seed hashes unseeded.
func New(origins []string, seed uint64) (*Router, error) {
	if len(origins) == 0 {
		return nil, ErrNoOrigins
	}
	cleaned := make([]string, len(origins))
	seen := make(map[string]int, len(origins))
	for i, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			return nil, fmt.Errorf("routing: origin %d is empty", i)
		}
		if prev, dup := seen[origin]; dup {
			return nil, fmt.Errorf("routing: origin %q listed at %d and %d", origin, prev, i)
		}
		seen[origin] = i
		cleaned[i] = origin
	}
	return &Router{origins: cleaned, seed: seed}, nil
}

// Route returns the origin owning tenantID.
func (r *Router) Route(tenantID string) string {
	return r.origins[r.Index(tenantID)]
}

// Index returns the position of the origin owning tenantID.
func (r *Router) Index(tenantID string) int {
	if len(r.origins) == 1 {
		return 0
	}
	return int(jump(r.hash(tenantID), len(r.origins)))
}

// Origins returns a copy of the configured origin list.
func (r *Router) Origins() []string {
	return append([]string(nil), r.origins...)
}

// Len returns the number of configured origins.
func (r *Router) Len() int {
	return len(r.origins)
}

func (r *Router) hash(key string) uint64 {
	if r.seed != 0 {
		return xxh3.HashStringSeed(key, r.seed)
	}
	return xxh3.HashString(key)
}

// jump is the Lamping/Veach jump consistent hash.
func jump(key uint64, buckets int) int32 {
	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int32(b)
}
