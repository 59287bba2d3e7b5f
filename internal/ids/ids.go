// Package ids generates identifiers for the runtime's entities, grounded on
// the teacher's use of ulid.Make() for request IDs in internal/permission/checker.go.
package ids

import (
	"crypto/rand"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a new lexicographically-sortable, time-prefixed identifier.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Timestamp extracts the creation time encoded in an id produced by New.
// Returns the zero time if id is not a valid ULID.
func Timestamp(id string) time.Time {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	ms := parsed.Time()
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return time.Time{}
	}
	return ulid.Time(ms)
}
