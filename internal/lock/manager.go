// Package lock provides advisory, lease-based mutual exclusion over named
// resources shared by any number of processes. Rows live in the store with a
// TTL index on their freshness timestamp; a crashed owner's locks become
// acquirable again once the TTL elapses.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/metrics"
)

// Manager coordinates the locks owned by this process. The renewal goroutine
// refreshes every owned row each ttl/2 so long-held locks survive while the
// process is alive.
type Manager struct {
	repo  domain.LockRepository
	owner string
	ttl   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewManager creates a manager with a fresh owner process id.
func NewManager(repo domain.LockRepository, ttl time.Duration) *Manager {
	return &Manager{
		repo:  repo,
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

// Owner returns the process id stamped on rows acquired by this manager.
func (m *Manager) Owner() string { return m.owner }

// Start launches the lease renewal loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.renewLoop(ctx)
	log.Info().Str("owner", m.owner).Dur("ttl", m.ttl).Msg("lock lease renewal started")
}

func (m *Manager) renewLoop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.repo.TouchAllOwned(ctx, m.owner); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("owner", m.owner).Msg("lock lease renewal failed")
			}
		}
	}
}

// Stop cancels the renewal loop and deletes every row this process owns.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}
	return m.repo.DeleteAllOwned(ctx, m.owner)
}

// Acquire attempts an atomic create of the lock row. A row held by another
// owner yields false with no error. On success the freshness timestamp is
// stamped immediately; if that stamp fails the half-acquired row is deleted
// and the error surfaced, so an inconsistent row is never left behind.
func (m *Manager) Acquire(ctx context.Context, resourceID string) (bool, error) {
	err := m.repo.InsertIfAbsent(ctx, resourceID, m.owner)
	if err != nil {
		if errors.Is(err, apperrors.ErrLockHeld) {
			metrics.LocksContendedTotal.Inc()
			log.Debug().Str("resource", resourceID).Msg("lock already held")
			return false, nil
		}
		return false, err
	}
	if err := m.repo.Touch(ctx, resourceID); err != nil {
		if delErr := m.repo.DeleteIfOwned(ctx, resourceID, m.owner); delErr != nil {
			log.Error().Err(delErr).Str("resource", resourceID).Msg("failed to roll back half-acquired lock")
		}
		return false, err
	}
	metrics.LocksAcquiredTotal.Inc()
	log.Debug().Str("resource", resourceID).Str("owner", m.owner).Msg("lock acquired")
	return true, nil
}

// Release deletes the row iff this process owns it. Releasing a lock that is
// already gone is a no-op.
func (m *Manager) Release(ctx context.Context, resourceID string) error {
	log.Debug().Str("resource", resourceID).Str("owner", m.owner).Msg("lock released")
	return m.repo.DeleteIfOwned(ctx, resourceID, m.owner)
}
