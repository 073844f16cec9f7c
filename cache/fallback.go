package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
)

// Prober reports whether a shared store is reachable again. Stores that can
// be probed cheaply (redis PING) implement it; the maintenance scheduler
// calls Probe on degraded stores.
type Prober interface {
	Probe(ctx context.Context) error
}

// FallbackStore wraps a shared store with an in-process memory store. When
// the shared store errors the wrapper degrades to the private store so that
// cache misses never become request failures, and recovers once a probe
// succeeds. Entries written while degraded stay private; that is acceptable
// because they expire on their own TTL.
type FallbackStore struct {
	logger   types.Logger
	shared   types.CacheStore
	private  types.CacheStore
	degraded int32
	running  int32
}

func NewFallbackStore(logger types.Logger, shared, private types.CacheStore) *FallbackStore {
	return &FallbackStore{
		logger:  logger,
		shared:  shared,
		private: private,
	}
}

func (f *FallbackStore) active() types.CacheStore {
	if atomic.LoadInt32(&f.degraded) == 1 {
		return f.private
	}
	return f.shared
}

// degrade flips to the private store. Only the first caller logs; concurrent
// failures race here and that is fine.
func (f *FallbackStore) degrade(err error) {
	if atomic.CompareAndSwapInt32(&f.degraded, 0, 1) {
		f.logger.Warn("Shared cache store unavailable, falling back to private store",
			zap.Error(err))
	}
}

func (f *FallbackStore) Degraded() bool {
	return atomic.LoadInt32(&f.degraded) == 1
}

// Recover probes the shared store and switches back when it answers. The
// maintenance scheduler calls this periodically while degraded.
func (f *FallbackStore) Recover(ctx context.Context) error {
	if atomic.LoadInt32(&f.degraded) == 0 {
		return nil
	}

	prober, ok := f.shared.(Prober)
	if !ok {
		return nil
	}

	if err := prober.Probe(ctx); err != nil {
		return err
	}

	if atomic.CompareAndSwapInt32(&f.degraded, 1, 0) {
		f.logger.Info("Shared cache store recovered")
	}
	return nil
}

func (f *FallbackStore) Get(key string) (interface{}, bool) {
	if atomic.LoadInt32(&f.degraded) == 1 {
		return f.private.Get(key)
	}

	value, found := f.shared.Get(key)
	if found {
		return value, true
	}

	// a shared miss may be a shared outage; Get has no error channel, so
	// unavailability is detected on the write path
	return nil, false
}

func (f *FallbackStore) Set(key string, value interface{}, ttl time.Duration) error {
	if atomic.LoadInt32(&f.degraded) == 1 {
		return f.private.Set(key, value, ttl)
	}

	err := f.shared.Set(key, value, ttl)
	if err == nil {
		return nil
	}
	if !types.IsError(err, types.ErrCacheStoreUnavailable) {
		return err
	}

	f.degrade(err)
	return f.private.Set(key, value, ttl)
}

func (f *FallbackStore) Delete(key string) error {
	if err := f.private.Delete(key); err != nil {
		return err
	}
	if atomic.LoadInt32(&f.degraded) == 1 {
		return nil
	}

	err := f.shared.Delete(key)
	if err != nil && types.IsError(err, types.ErrCacheStoreUnavailable) {
		f.degrade(err)
		return nil
	}
	return err
}

func (f *FallbackStore) DeletePrefix(prefix string) error {
	if err := f.private.DeletePrefix(prefix); err != nil {
		return err
	}
	if atomic.LoadInt32(&f.degraded) == 1 {
		return nil
	}

	err := f.shared.DeletePrefix(prefix)
	if err != nil && types.IsError(err, types.ErrCacheStoreUnavailable) {
		f.degrade(err)
		return nil
	}
	return err
}

func (f *FallbackStore) Clear() error {
	if err := f.private.Clear(); err != nil {
		return err
	}
	if atomic.LoadInt32(&f.degraded) == 1 {
		return nil
	}

	err := f.shared.Clear()
	if err != nil && types.IsError(err, types.ErrCacheStoreUnavailable) {
		f.degrade(err)
		return nil
	}
	return err
}

func (f *FallbackStore) Len() int {
	return f.active().Len()
}

func (f *FallbackStore) Start() error {
	if !atomic.CompareAndSwapInt32(&f.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	if err := f.private.Start(); err != nil {
		atomic.StoreInt32(&f.running, 0)
		return err
	}

	if err := f.shared.Start(); err != nil {
		f.logger.Warn("Shared cache store failed to start, running degraded",
			zap.Error(err))
		atomic.StoreInt32(&f.degraded, 1)
		return nil
	}

	// the shared store constructor never dials, so reachability is checked
	// here; an outage at startup degrades and the recovery probe switches back
	if prober, ok := f.shared.(Prober); ok {
		if err := prober.Probe(context.Background()); err != nil {
			f.logger.Warn("Shared cache store unreachable at startup, running degraded",
				zap.Error(err))
			atomic.StoreInt32(&f.degraded, 1)
		}
	}

	return nil
}

func (f *FallbackStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&f.running, 1, 0) {
		return types.ErrNotRunning
	}

	var firstErr error
	if f.shared.IsRunning() {
		if err := f.shared.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := f.private.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (f *FallbackStore) IsRunning() bool {
	return atomic.LoadInt32(&f.running) == 1
}
