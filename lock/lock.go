// Package lock provides the advisory distributed lock coordinating the
// background sweeps across processes. Acquisition failure is not an error:
// it means another instance is already running the guarded work.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the mutual-exclusion contract the sweeps depend on.
type Locker interface {
	// TryAcquire attempts to take the named lock for the given duration.
	// It returns false without error when the lock is already held.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Release frees the named lock if this process still holds it.
	Release(ctx context.Context, name string) error
}

// releaseScript deletes the lock key only when the stored owner token still
// matches, so an expired lock re-acquired by another process is never freed
// by the original holder.
const releaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// Redis implements Locker on a shared Redis instance using SET NX with a TTL
// and a compare-and-delete release.
type Redis struct {
	client *redis.Client
	prefix string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis constructs a Redis-backed locker. The prefix namespaces lock keys
// so unrelated deployments sharing the instance cannot collide.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "referralhub:lock:"
	}
	return &Redis{client: client, prefix: prefix, tokens: make(map[string]string)}
}

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock: ttl must be positive")
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	r.mu.Lock()
	r.tokens[name] = token
	r.mu.Unlock()
	return true, nil
}

// Release implements Locker.
func (r *Redis) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	token, ok := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.client.Eval(ctx, releaseScript, []string{r.prefix + name}, token).Err(); err != nil {
		return fmt.Errorf("lock: release %s: %w", name, err)
	}
	return nil
}

// Memory implements Locker within a single process. Tests use it in place of
// Redis; the semantics match, including TTL expiry.
type Memory struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

// NewMemory returns an in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]time.Time), nowFn: time.Now}
}

// TryAcquire implements Locker.
func (m *Memory) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock: ttl must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	if expiry, ok := m.held[name]; ok && expiry.After(now) {
		return false, nil
	}
	m.held[name] = now.Add(ttl)
	return true, nil
}

// Release implements Locker.
func (m *Memory) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}
