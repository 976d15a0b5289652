package cache

import (
	"context"
	"time"

	"github.com/google/uuid"

	"devos/internal/telemetry"
)

// releaseScript deletes the lock key only if it still holds our token, so
// an expired lock re-acquired by a peer is never released by us.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`

// Mutex is a distributed set-if-absent lock with a TTL bound.
type Mutex struct {
	backend Backend
	key     string
	ttl     time.Duration
	token   string
}

// NewMutex prepares a lock on key with the given TTL.
func NewMutex(backend Backend, key string, ttl time.Duration) *Mutex {
	return &Mutex{backend: backend, key: key, ttl: ttl}
}

// TryLock attempts a single non-blocking acquisition.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := m.backend.SetNX(ctx, m.key, token, m.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		m.token = token
	}
	return ok, nil
}

// Unlock releases the lock if this mutex still owns it. Release failures
// are logged, never propagated: the TTL bounds the damage.
func (m *Mutex) Unlock(ctx context.Context) {
	if m.token == "" {
		return
	}
	if _, err := m.backend.Eval(ctx, releaseScript, []string{m.key}, m.token); err != nil {
		telemetry.LogError("failed to release distributed lock", err, "key", m.key)
	}
	m.token = ""
}
