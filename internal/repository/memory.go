package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pairly/internal/domain"
)

// MemoryCoordinator is the single-process Coordinator. It also backs the
// failover when Redis is unreachable.
type MemoryCoordinator struct {
	mu         sync.Mutex
	locks      map[string]*memoryLock
	rateLimits sync.Map
	maxWait    time.Duration
	now        func() time.Time
}

type memoryLock struct {
	owner     uint64
	expiresAt time.Time
}

func NewMemoryCoordinator(maxWait time.Duration) *MemoryCoordinator {
	if maxWait <= 0 {
		maxWait = 2 * time.Second
	}
	return &MemoryCoordinator{
		locks:   make(map[string]*memoryLock),
		maxWait: maxWait,
		now:     time.Now,
	}
}

var _ domain.Coordinator = (*MemoryCoordinator)(nil)

var lockSeq struct {
	sync.Mutex
	n uint64
}

func nextOwner() uint64 {
	lockSeq.Lock()
	defer lockSeq.Unlock()
	lockSeq.n++
	return lockSeq.n
}

func (r *MemoryCoordinator) tryLock(key string, owner uint64, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if l, ok := r.locks[key]; ok && now.Before(l.expiresAt) {
		return false
	}
	r.locks[key] = &memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true
}

func (r *MemoryCoordinator) Lock(ctx context.Context, key string, ttl time.Duration) (domain.Unlock, error) {
	owner := nextOwner()
	deadline := time.Now().Add(r.maxWait)

	for !r.tryLock(key, owner, ttl) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: %w", key, ErrLockBusy)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if l, ok := r.locks[key]; ok && l.owner == owner {
			delete(r.locks, key)
		}
		return nil
	}, nil
}

type rateLimitEntry struct {
	mu        sync.Mutex
	count     int
	expiresAt time.Time
}

func (r *MemoryCoordinator) CheckRateLimit(_ context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	now := r.now()
	val, _ := r.rateLimits.LoadOrStore(userID, &rateLimitEntry{})
	entry := val.(*rateLimitEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.count == 0 || !now.Before(entry.expiresAt) {
		entry.count = 1
		entry.expiresAt = now.Add(window)
	} else {
		entry.count++
	}
	return entry.count <= limit, nil
}
