// Package lock provides a Redis-backed per-node advisory lock so that a
// single mutating task holds a given node at a time, mirroring how
// internal/auth.RateLimiter uses Redis for a different coordination need.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by TryLock when another holder already owns the
// node's lock.
var ErrLocked = errors.New("node is locked by another operation")

// NodeLock guards per-node mutating operations with a Redis SET NX PX lock.
type NodeLock struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a NodeLock. ttl bounds how long a holder can keep the lock
// without renewing, so a crashed holder doesn't wedge a node forever.
func New(rdb *redis.Client, ttl time.Duration) *NodeLock {
	return &NodeLock{redis: rdb, ttl: ttl}
}

func lockKey(nodeID uuid.UUID) string {
	return fmt.Sprintf("nodewarden:lock:node:%s", nodeID)
}

// Handle represents a held lock; Unlock releases it.
type Handle struct {
	lock  *NodeLock
	key   string
	token string
}

// TryLock attempts to acquire the lock for nodeID without blocking. It
// returns ErrLocked if another holder currently owns it.
func (l *NodeLock) TryLock(ctx context.Context, nodeID uuid.UUID) (*Handle, error) {
	key := lockKey(nodeID)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for node %s: %w", nodeID, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &Handle{lock: l, key: key, token: token}, nil
}

// Renew extends the lock's TTL, used by long-running operations (full
// deploys can run up to 600 s) so the lock doesn't expire mid-operation.
func (h *Handle) Renew(ctx context.Context) error {
	ok, err := h.lock.redis.Expire(ctx, h.key, h.lock.ttl).Result()
	if err != nil {
		return fmt.Errorf("renewing lock %s: %w", h.key, err)
	}
	if !ok {
		return fmt.Errorf("renewing lock %s: no longer held", h.key)
	}
	return nil
}

// releaseScript deletes the key only if its value still matches the token
// this handle acquired, so a handle never releases a lock another holder
// has since acquired after this one's TTL expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Unlock releases the lock if still held by this handle. Safe to call from
// a defer immediately after TryLock succeeds.
func (h *Handle) Unlock(ctx context.Context) error {
	if err := releaseScript.Run(ctx, h.lock.redis, []string{h.key}, h.token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", h.key, err)
	}
	return nil
}
