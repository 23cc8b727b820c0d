package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/lock"
)

// fakeLockRepo mimics the locks collection: unique resource ids with a
// freshness timestamp and TTL-driven expiry evaluated lazily on insert.
type fakeLockRepo struct {
	mu       sync.Mutex
	rows     map[string]fakeRow
	ttl      time.Duration
	touchErr error
}

type fakeRow struct {
	owner     string
	updatedAt time.Time
}

func newFakeLockRepo(ttl time.Duration) *fakeLockRepo {
	return &fakeLockRepo{rows: make(map[string]fakeRow), ttl: ttl}
}

func (f *fakeLockRepo) expire(now time.Time) {
	for id, row := range f.rows {
		if !row.updatedAt.IsZero() && now.Sub(row.updatedAt) > f.ttl {
			delete(f.rows, id)
		}
	}
}

func (f *fakeLockRepo) InsertIfAbsent(_ context.Context, resourceID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expire(time.Now())
	if _, ok := f.rows[resourceID]; ok {
		return apperrors.ErrLockHeld
	}
	f.rows[resourceID] = fakeRow{owner: ownerID}
	return nil
}

func (f *fakeLockRepo) Touch(_ context.Context, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	row, ok := f.rows[resourceID]
	if !ok {
		return nil
	}
	row.updatedAt = time.Now()
	f.rows[resourceID] = row
	return nil
}

func (f *fakeLockRepo) TouchAllOwned(_ context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, row := range f.rows {
		if row.owner == ownerID {
			row.updatedAt = time.Now()
			f.rows[id] = row
		}
	}
	return nil
}

func (f *fakeLockRepo) DeleteIfOwned(_ context.Context, resourceID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[resourceID]; ok && row.owner == ownerID {
		delete(f.rows, resourceID)
	}
	return nil
}

func (f *fakeLockRepo) DeleteAllOwned(_ context.Context, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, row := range f.rows {
		if row.owner == ownerID {
			delete(f.rows, id)
		}
	}
	return nil
}

func (f *fakeLockRepo) backdate(resourceID string, age time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[resourceID]; ok {
		row.updatedAt = time.Now().Add(-age)
		f.rows[resourceID] = row
	}
}

func TestManager_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLockRepo(time.Minute)
	a := lock.NewManager(repo, time.Minute)
	b := lock.NewManager(repo, time.Minute)

	ok, err := a.Acquire(ctx, "org1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Held by a: b observes false, no error.
	ok, err = b.Acquire(ctx, "org1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Different resource proceeds in parallel.
	ok, err = b.Acquire(ctx, "org2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.Release(ctx, "org1"))

	ok, err = b.Acquire(ctx, "org1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_ReleaseNotOwnedIsNoop(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLockRepo(time.Minute)
	a := lock.NewManager(repo, time.Minute)
	b := lock.NewManager(repo, time.Minute)

	ok, err := a.Acquire(ctx, "org1")
	require.NoError(t, err)
	require.True(t, ok)

	// b never owned org1; release must not steal a's row.
	require.NoError(t, b.Release(ctx, "org1"))

	ok, err = b.Acquire(ctx, "org1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ConcurrentAcquireExactlyOne(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLockRepo(time.Minute)

	const n = 16
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := lock.NewManager(repo, time.Minute)
			ok, err := m.Acquire(ctx, "org1")
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestManager_ExpiredRowBecomesAcquirable(t *testing.T) {
	ctx := context.Background()
	ttl := time.Minute
	repo := newFakeLockRepo(ttl)
	crashed := lock.NewManager(repo, ttl)
	survivor := lock.NewManager(repo, ttl)

	ok, err := crashed.Acquire(ctx, "org1")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate the owner crashing: no release, the row just ages past ttl.
	repo.backdate("org1", ttl+time.Second)

	ok, err = survivor.Acquire(ctx, "org1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_FailedStampRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLockRepo(time.Minute)
	a := lock.NewManager(repo, time.Minute)
	b := lock.NewManager(repo, time.Minute)

	stampErr := errors.New("stamp write failed")
	repo.touchErr = stampErr

	_, err := a.Acquire(ctx, "org1")
	require.Error(t, err)
	assert.ErrorIs(t, err, stampErr)

	// The half-acquired row must not linger.
	repo.touchErr = nil
	ok, err := b.Acquire(ctx, "org1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManager_RenewalKeepsRowsFresh(t *testing.T) {
	ctx := context.Background()
	ttl := 80 * time.Millisecond
	repo := newFakeLockRepo(ttl)
	m := lock.NewManager(repo, ttl)
	m.Start(ctx)
	defer func() { _ = m.Stop(ctx) }()

	ok, err := m.Acquire(ctx, "org1")
	require.NoError(t, err)
	require.True(t, ok)

	// Over several ttl windows the renewal loop keeps touching the row, so
	// a competitor never sees it expire.
	deadline := time.Now().Add(4 * ttl)
	other := lock.NewManager(repo, ttl)
	for time.Now().Before(deadline) {
		ok, err := other.Acquire(ctx, "org1")
		require.NoError(t, err)
		assert.False(t, ok)
		time.Sleep(ttl / 4)
	}
}

func TestManager_StopDeletesOwnedRows(t *testing.T) {
	ctx := context.Background()
	repo := newFakeLockRepo(time.Minute)
	m := lock.NewManager(repo, time.Minute)
	m.Start(ctx)

	for _, id := range []string{"org1", "org2", "org3"} {
		ok, err := m.Acquire(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, m.Stop(ctx))

	other := lock.NewManager(repo, time.Minute)
	for _, id := range []string{"org1", "org2", "org3"} {
		ok, err := other.Acquire(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
