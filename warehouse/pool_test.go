package warehouse

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carelytics/dataservice/logger"
	"github.com/carelytics/dataservice/types"
)

type fakeExecutor struct {
	mu      sync.Mutex
	pingErr error
	closed  bool
	pings   int
}

func (f *fakeExecutor) Query(ctx context.Context, statement string, args ...interface{}) (interface{}, error) {
	return statement, nil
}

func (f *fakeExecutor) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeExecutor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeExecutor) breakPing() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = errors.New("connection reset")
}

func (f *fakeExecutor) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu        sync.Mutex
	executors []*fakeExecutor
	dialErr   error
	dials     atomic.Int64
}

func (d *fakeDialer) dial(ctx context.Context) (types.Executor, error) {
	d.dials.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dialErr != nil {
		return nil, d.dialErr
	}

	executor := &fakeExecutor{}
	d.executors = append(d.executors, executor)
	return executor, nil
}

func newTestPool(t *testing.T, config *types.WarehouseConfig) (*Pool, *fakeDialer) {
	t.Helper()

	dialer := &fakeDialer{}
	pool, err := NewPool(logger.NewZapWrapper(zap.NewNop()), nil, nil, config, dialer.dial)
	require.NoError(t, err)

	return pool, dialer
}

func TestNewPoolRequiresDialer(t *testing.T) {
	_, err := NewPool(logger.NewZapWrapper(zap.NewNop()), nil, nil, &types.WarehouseConfig{MaxConnections: 1}, nil)
	assert.ErrorIs(t, err, types.ErrDialerIsNil)
}

func TestPoolDialsLazilyAndReuses(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{MaxConnections: 4})

	assert.Equal(t, int64(0), dialer.dials.Load())

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), dialer.dials.Load())
	assert.Equal(t, types.SessionInUse, session.State())

	require.NoError(t, pool.Release(session))
	assert.Equal(t, types.SessionIdle, session.State())

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.ID(), again.ID())
	assert.Equal(t, int64(1), dialer.dials.Load(), "idle session should be reused, not redialed")

	require.NoError(t, pool.Release(again))
}

func TestPoolEnforcesMaxConnections(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 2,
		AcquireTimeout: 2 * time.Second,
	})

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan types.Session, 1)
	go func() {
		session, err := pool.Acquire(context.Background())
		if err == nil {
			acquired <- session
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third acquire should block while the pool is at capacity")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, pool.Release(first))

	select {
	case session := <-acquired:
		assert.Equal(t, first.ID(), session.ID(), "waiter should receive the released session")
		require.NoError(t, pool.Release(session))
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by the release")
	}

	require.NoError(t, pool.Release(second))
	assert.Equal(t, int64(2), dialer.dials.Load())
}

func TestPoolAcquireTimeout(t *testing.T) {
	pool, _ := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 1,
		AcquireTimeout: 50 * time.Millisecond,
	})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.NoError(t, pool.Release(session))
}

func TestPoolAcquirePropagatesCallerDeadline(t *testing.T) {
	pool, _ := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 1,
		AcquireTimeout: 5 * time.Second,
	})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded,
		"a caller deadline must surface as the caller's error")
	assert.False(t, types.IsError(err, types.ErrPoolExhausted))

	require.NoError(t, pool.Release(session))
}

func TestPoolAcquirePropagatesCallerCancel(t *testing.T) {
	pool, _ := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 1,
		AcquireTimeout: 5 * time.Second,
	})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, pool.Release(session))
}

func TestPoolDoubleRelease(t *testing.T) {
	pool, _ := newTestPool(t, &types.WarehouseConfig{MaxConnections: 1})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Release(session))
	err = pool.Release(session)
	assert.ErrorIs(t, err, types.ErrInvalidRelease)
}

type foreignSession struct{}

func (foreignSession) ID() string                { return "foreign" }
func (foreignSession) Executor() types.Executor  { return nil }
func (foreignSession) State() types.SessionState { return types.SessionIdle }
func (foreignSession) CreatedAt() time.Time      { return time.Time{} }
func (foreignSession) LastUsedAt() time.Time     { return time.Time{} }

func TestPoolReleaseForeignSession(t *testing.T) {
	pool, _ := newTestPool(t, &types.WarehouseConfig{MaxConnections: 1})

	err := pool.Release(foreignSession{})
	assert.ErrorIs(t, err, types.ErrInvalidRelease)
}

func TestPoolReplacesBrokenSessionTransparently(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{MaxConnections: 2})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(session))

	// the idle session's connection dies while parked
	dialer.executors[0].breakPing()

	replacement, err := pool.Acquire(context.Background())
	require.NoError(t, err, "a broken idle session should be replaced, not surfaced")
	assert.NotEqual(t, session.ID(), replacement.ID())
	assert.Equal(t, int64(2), dialer.dials.Load())
	assert.True(t, dialer.executors[0].isClosed(), "broken session should be closed")

	require.NoError(t, pool.Release(replacement))
}

func TestPoolBrokenSessionDoesNotAffectOthers(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{MaxConnections: 2})

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(first))
	require.NoError(t, pool.Release(second))

	dialer.executors[1].breakPing()

	// both idle; the broken one is discarded, the healthy one still serves
	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
	require.NoError(t, pool.Release(a))
	require.NoError(t, pool.Release(b))
}

func TestPoolDialFailureFreesCapacity(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{MaxConnections: 1})

	dialer.mu.Lock()
	dialer.dialErr = errors.New("warehouse unreachable")
	dialer.mu.Unlock()

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, types.ErrSessionBroken)

	dialer.mu.Lock()
	dialer.dialErr = nil
	dialer.mu.Unlock()

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err, "a failed dial must not leak a capacity slot")
	require.NoError(t, pool.Release(session))

	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.TotalFails)
	assert.Equal(t, uint64(1), stats.TotalOpens)
}

func TestPoolHealthCheckDiscardsBrokenSession(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{MaxConnections: 1})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.HealthCheck(context.Background(), session))

	dialer.executors[0].breakPing()
	err = pool.HealthCheck(context.Background(), session)
	assert.ErrorIs(t, err, types.ErrSessionBroken)

	// the slot is free again
	replacement, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(replacement))
}

func TestPoolCheckIdleSweepsBrokenSessions(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{MaxConnections: 2})

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(first))
	require.NoError(t, pool.Release(second))

	dialer.executors[0].breakPing()

	require.NoError(t, pool.CheckIdle(context.Background()))

	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.True(t, dialer.executors[0].isClosed())
}

func TestPoolShutdownWaitsForInUseSessions(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 2,
		ShutdownGrace:  2 * time.Second,
	})

	session, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	idle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, pool.Release(idle))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, pool.Shutdown(context.Background()))
	}()

	select {
	case <-done:
		t.Fatal("shutdown should wait for the in-use session")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, pool.Release(session))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown did not finish after the last release")
	}

	for _, executor := range dialer.executors {
		assert.True(t, executor.isClosed())
	}

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, types.ErrPoolClosed)
}

func TestPoolShutdownForceClosesAfterGrace(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 1,
		ShutdownGrace:  50 * time.Millisecond,
	})

	_, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.True(t, dialer.executors[0].isClosed(), "held session should be force-closed after grace")
}

func TestPoolShutdownIsIdempotent(t *testing.T) {
	pool, _ := newTestPool(t, &types.WarehouseConfig{MaxConnections: 1})

	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	pool, dialer := newTestPool(t, &types.WarehouseConfig{
		MaxConnections: 4,
		AcquireTimeout: 5 * time.Second,
	})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				session, err := pool.Acquire(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, pool.Release(session))
			}
		}()
	}
	wg.Wait()

	stats := pool.Stats()
	assert.LessOrEqual(t, stats.Idle, 4)
	assert.Equal(t, 0, stats.InUse)
	assert.LessOrEqual(t, dialer.dials.Load(), int64(4))
}
