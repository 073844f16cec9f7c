package cache

import (
	"context"
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

// flakyStore simulates a shared backend that can be taken down mid-test.
type flakyStore struct {
	mu      sync.Mutex
	data    map[string]interface{}
	down    bool
	running int32
}

func newFlakyStore() *flakyStore {
	return &flakyStore{data: make(map[string]interface{})}
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) unavailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyStore) Get(key string) (interface{}, bool) {
	if f.unavailable() {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value, found := f.data[key]
	return value, found
}

func (f *flakyStore) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}
	if f.unavailable() {
		return types.Errorf(types.ErrCacheStoreUnavailable, "set %s", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *flakyStore) Delete(key string) error {
	if f.unavailable() {
		return types.Errorf(types.ErrCacheStoreUnavailable, "delete %s", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *flakyStore) DeletePrefix(prefix string) error {
	if f.unavailable() {
		return types.Errorf(types.ErrCacheStoreUnavailable, "delete prefix %s", prefix)
	}
	return nil
}

func (f *flakyStore) Clear() error {
	if f.unavailable() {
		return types.Errorf(types.ErrCacheStoreUnavailable, "clear")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]interface{})
	return nil
}

func (f *flakyStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func (f *flakyStore) Start() error {
	if f.unavailable() {
		return types.Errorf(types.ErrCacheStoreUnavailable, "start")
	}
	atomic.StoreInt32(&f.running, 1)
	return nil
}

func (f *flakyStore) Stop() error {
	atomic.StoreInt32(&f.running, 0)
	return nil
}

func (f *flakyStore) IsRunning() bool {
	return atomic.LoadInt32(&f.running) == 1
}

func (f *flakyStore) Probe(ctx context.Context) error {
	if f.unavailable() {
		return types.Errorf(types.ErrCacheStoreUnavailable, "probe")
	}
	return nil
}

func newTestFallbackStore(t *testing.T) (*FallbackStore, *flakyStore) {
	t.Helper()

	shared := newFlakyStore()
	private := newTestMemoryStore(t, nil)
	fallback := NewFallbackStore(logger.NewZapWrapper(zap.NewNop()), shared, private)

	return fallback, shared
}

func TestFallbackStoreUsesSharedWhenHealthy(t *testing.T) {
	fallback, shared := newTestFallbackStore(t)

	require.NoError(t, fallback.Set("key", "value", time.Minute))
	assert.False(t, fallback.Degraded())
	assert.Equal(t, 1, shared.Len(), "writes should land on the shared store")

	value, found := fallback.Get("key")
	require.True(t, found)
	assert.Equal(t, "value", value)
}

func TestFallbackStoreDegradesOnSharedOutage(t *testing.T) {
	fallback, shared := newTestFallbackStore(t)

	shared.setDown(true)

	require.NoError(t, fallback.Set("key", "value", time.Minute),
		"a shared outage must not surface as an error")
	assert.True(t, fallback.Degraded())

	value, found := fallback.Get("key")
	require.True(t, found, "degraded writes must be readable from the private store")
	assert.Equal(t, "value", value)
	assert.Equal(t, 0, shared.Len())
}

func TestFallbackStoreRecovers(t *testing.T) {
	fallback, shared := newTestFallbackStore(t)

	shared.setDown(true)
	require.NoError(t, fallback.Set("key", "value", time.Minute))
	require.True(t, fallback.Degraded())

	assert.Error(t, fallback.Recover(context.Background()),
		"recovery must fail while the shared store is still down")
	assert.True(t, fallback.Degraded())

	shared.setDown(false)
	require.NoError(t, fallback.Recover(context.Background()))
	assert.False(t, fallback.Degraded())

	require.NoError(t, fallback.Set("after", "recovery", time.Minute))
	assert.Equal(t, 1, shared.Len(), "writes should return to the shared store after recovery")
}

func TestFallbackStoreRecoverIsNoopWhenHealthy(t *testing.T) {
	fallback, _ := newTestFallbackStore(t)

	require.NoError(t, fallback.Recover(context.Background()))
	assert.False(t, fallback.Degraded())
}

func TestFallbackStoreStartsDegradedWhenSharedIsDown(t *testing.T) {
	fallback, shared := newTestFallbackStore(t)

	shared.setDown(true)

	require.NoError(t, fallback.Start(), "an unreachable shared store must not block startup")
	assert.True(t, fallback.Degraded())
	assert.True(t, fallback.IsRunning())

	require.NoError(t, fallback.Stop())
}

// quietStart hides outages from Start so only the startup probe can see them,
// the same shape the redis backend has.
type quietStart struct {
	*flakyStore
}

func (q quietStart) Start() error {
	atomic.StoreInt32(&q.running, 1)
	return nil
}

func TestFallbackStoreStartProbesShared(t *testing.T) {
	shared := newFlakyStore()
	private := newTestMemoryStore(t, nil)
	fallback := NewFallbackStore(logger.NewZapWrapper(zap.NewNop()), quietStart{shared}, private)

	shared.setDown(true)

	require.NoError(t, fallback.Start())
	assert.True(t, fallback.Degraded(),
		"a shared store that starts but does not answer the probe must degrade")

	shared.setDown(false)
	require.NoError(t, fallback.Recover(context.Background()))
	assert.False(t, fallback.Degraded())

	require.NoError(t, fallback.Set("key", "value", time.Minute))
	assert.Equal(t, 1, shared.Len())

	require.NoError(t, fallback.Stop())
}

func TestFallbackStorePropagatesOtherErrors(t *testing.T) {
	fallback, _ := newTestFallbackStore(t)

	err := fallback.Set("", "value", time.Minute)
	assert.Error(t, err)
	assert.False(t, fallback.Degraded(), "a validation error must not trigger degradation")
}
