// Package uuidv7 mints the time-ordered identifiers used for admission slots.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if the entropy source fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns the string form of a new UUIDv7.
func NewString() string {
	return New().String()
}

// Timestamp extracts the creation instant embedded in a UUIDv7 string.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
