package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned by Locker.Acquire when the wait budget runs out.
var ErrLockTimeout = errors.New("cache: lock wait timeout")

// Locker hands out named leases on top of Cache.SetNX. The TTL bounds how
// long a crashed holder can block others.
type Locker struct {
	c     Cache
	ttl   time.Duration
	wait  time.Duration
	retry time.Duration
}

// NewLocker creates a Locker. Zero durations fall back to 30s ttl, 5s wait
// and 50ms retry.
func NewLocker(c Cache, ttl, wait, retry time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &Locker{c: c, ttl: ttl, wait: wait, retry: retry}
}

// Hold is an acquired lease.
type Hold struct {
	c     Cache
	key   string
	token string
}

// Key returns the cache key the hold is stored under.
func (h *Hold) Key() string { return h.key }

// Release drops the lease if this hold still owns it. A lease that already
// expired and was taken by someone else is left alone.
func (h *Hold) Release(ctx context.Context) error {
	if _, err := h.c.CompareAndDel(ctx, h.key, h.token); err != nil {
		return fmt.Errorf("cache: release %s: %w", h.key, err)
	}
	return nil
}

// Acquire polls SetNX until the lease is won, ctx is done or the wait budget
// is spent (ErrLockTimeout).
func (l *Locker) Acquire(ctx context.Context, name string) (*Hold, error) {
	key := "lock:" + name
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.c.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("cache: acquire %s: %w", key, err)
		}
		if ok {
			return &Hold{c: l.c, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Held reports whether some process currently holds the named lease.
func (l *Locker) Held(ctx context.Context, name string) (bool, error) {
	return l.c.Exists(ctx, "lock:"+name)
}
