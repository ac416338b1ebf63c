package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pairly/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverCoordinator prefers the primary (Redis) and switches to the
// fallback (memory) when it errors, probing the primary again after a
// minute. The store's transactional overlap check stays authoritative, so
// a process-local lock is an acceptable degradation.
type FailoverCoordinator struct {
	primary  domain.Coordinator
	fallback domain.Coordinator
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverCoordinator(primary, fallback domain.Coordinator, logger *zerolog.Logger) *FailoverCoordinator {
	return &FailoverCoordinator{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

var _ domain.Coordinator = (*FailoverCoordinator)(nil)

// usePrimary reports whether the primary should be tried now.
func (r *FailoverCoordinator) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > recoveryInterval {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverCoordinator) markDown(err error) {
	if !r.isDown.Load() {
		r.logger.Error().Err(err).Msg("primary coordinator failed, falling back to memory")
	}
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverCoordinator) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary coordinator recovered")
	}
}

// contention errors say nothing about the primary's health.
func isContention(err error) bool {
	return errors.Is(err, ErrLockBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *FailoverCoordinator) Lock(ctx context.Context, key string, ttl time.Duration) (domain.Unlock, error) {
	if r.usePrimary() {
		unlock, err := r.primary.Lock(ctx, key, ttl)
		if err == nil {
			r.markUp()
			return unlock, nil
		}
		if isContention(err) {
			return nil, err
		}
		r.markDown(err)
	}
	return r.fallback.Lock(ctx, key, ttl)
}

func (r *FailoverCoordinator) CheckRateLimit(ctx context.Context, userID int64, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckRateLimit(ctx, userID, limit, window)
		if err == nil {
			r.markUp()
			return allowed, nil
		}
		r.markDown(err)
	}
	return r.fallback.CheckRateLimit(ctx, userID, limit, window)
}
