package lock

import (
	"time"

	"github.com/Borealin/pick-runner-action/v1/adapter"
)

// DefaultTTL is how long a lock record is honoured before any waiter may
// reclaim it. Holders cannot renew it.
const DefaultTTL = 10 * time.Minute

// IsExpired reports whether rec is older than ttl at now. The age is taken
// from the store-assigned creation time, never from the holder's metadata.
func IsExpired(rec adapter.Record, ttl time.Duration, now time.Time) bool {
	return now.Sub(rec.CreatedAt) > ttl
}
