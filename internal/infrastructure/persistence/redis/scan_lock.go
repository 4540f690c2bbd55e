package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCAN LOCK
// Distributed lock for the scan cycle: at most one cycle runs at a time
// even with multiple workers. A new trigger while the lock is held is
// skipped (skip-if-running), never queued.
// ══════════════════════════════════════════════════════════════════════════════

const scanLockResource = "scan-cycle"

// releaseScript deletes the lock only when the token matches, so a worker
// never releases a lock that expired and was re-acquired by another one.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// ScanLock provides mutual exclusion for scan cycles.
type ScanLock struct {
	cache *Cache
}

// NewScanLock creates a new ScanLock.
func NewScanLock(cache *Cache) *ScanLock {
	return &ScanLock{cache: cache}
}

// Acquire attempts to take the lock. It returns a release token, or
// shared.ErrScanAlreadyRunning when a cycle is already in progress.
func (l *ScanLock) Acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()

	ok, err := l.cache.SetNXString(ctx, LockKey(scanLockResource), token, TTLScanLock)
	if err != nil {
		return "", fmt.Errorf("acquire scan lock: %w", err)
	}
	if !ok {
		return "", shared.ErrScanAlreadyRunning
	}

	return token, nil
}

// Release releases the lock identified by token. A token mismatch is not
// an error: the lock expired and was taken over by another worker.
func (l *ScanLock) Release(ctx context.Context, token string) error {
	_, err := releaseScript.Run(ctx, l.cache.Client(), []string{LockKey(scanLockResource)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release scan lock: %w", err)
	}
	return nil
}

// IsLocked returns true while a scan cycle holds the lock.
func (l *ScanLock) IsLocked(ctx context.Context) (bool, error) {
	_, err := l.cache.GetString(ctx, LockKey(scanLockResource))
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
