// Package lock provides the single distribution window lock that keeps two
// weekly runs from publishing at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var ErrHeld = errors.New("lock already held")

type Locker interface {
	// Acquire takes key for ttl or returns ErrHeld without waiting.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	clock clockwork.Clock
	mu    sync.Mutex
	held  map[string]memoryEntry
}

func NewMemoryLocker(clock clockwork.Clock) *MemoryLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLocker{clock: clock, held: make(map[string]memoryEntry)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Key() string { return m.key }

func (m *memoryLease) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if e, ok := m.locker.held[m.key]; ok && e.token == m.token {
		delete(m.locker.held, m.key)
	}
	return nil
}
