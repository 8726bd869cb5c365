// Package ids provides the ULID primitive used for consumer, request, and subscription ids.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Ids minted in the same millisecond still sort in creation order, so
// subscription listings and prompt queues stay stable.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a 26 char ULID stamped with now (current time if zero).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	entropyMu.Unlock()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites where entropy failure is not recoverable.
func MustULID() string {
	id, err := NewULID(time.Now().UTC())
	if err != nil {
		panic("ids: ulid entropy failure: " + err.Error())
	}
	return id
}
