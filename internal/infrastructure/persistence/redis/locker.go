package redis

import (
	"context"
	"os"
	"time"
)

// Locker implements scheduler.Locker with SET NX. The lease expires on its
// own, so a crashed holder never blocks the job for longer than ttl.
type Locker struct {
	cache *Cache
	owner string
}

// NewLocker creates a Locker. owner is stored as the lock value.
func NewLocker(cache *Cache, owner string) *Locker {
	if owner == "" {
		owner, _ = os.Hostname()
	}
	return &Locker{cache: cache, owner: owner}
}

// TryLock reports whether this process holds the lease for name.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.cache.SetNX(ctx, LockKey(name), l.owner, ttl)
}

// LockKey is the Redis key of a job lease.
func LockKey(job string) string {
	return "lock:" + job
}
