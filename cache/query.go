package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/carelytics/dataservice/types"
)

// QueryCache memoizes read-only warehouse operations. Hits are served
// straight from the store without touching the session pool; concurrent
// misses for the same key collapse into one compute via singleflight, so a
// popular cold key costs exactly one pool session and one warehouse query.
type QueryCache struct {
	logger     types.Logger
	metrics    types.MetricsManager
	store      types.CacheStore
	pool       types.SessionPool
	defaultTTL time.Duration

	flight   singleflight.Group
	hits     atomic.Uint64
	misses   atomic.Uint64
	inFlight atomic.Int64
}

func NewQueryCache(logger types.Logger, metrics types.MetricsManager, store types.CacheStore, pool types.SessionPool, defaultTTL time.Duration) *QueryCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	return &QueryCache{
		logger:     logger,
		metrics:    metrics,
		store:      store,
		pool:       pool,
		defaultTTL: defaultTTL,
	}
}

func (qc *QueryCache) GetOrCompute(ctx context.Context, operation string, params types.Params, ttl time.Duration, compute types.ComputeFunc) (interface{}, error) {
	key, err := BuildKey(operation, params)
	if err != nil {
		return nil, err
	}

	if value, found := qc.store.Get(key); found {
		qc.hits.Add(1)
		qc.recordLookup(operation, "hit")
		return value, nil
	}

	qc.misses.Add(1)
	qc.recordLookup(operation, "miss")

	if ttl <= 0 {
		ttl = qc.defaultTTL
	}

	value, err, _ := qc.flight.Do(key, func() (interface{}, error) {
		// another flight may have populated the store between the outer
		// lookup and this closure running
		if value, found := qc.store.Get(key); found {
			return value, nil
		}

		qc.inFlight.Add(1)
		defer qc.inFlight.Add(-1)

		return qc.compute(ctx, operation, key, ttl, compute)
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// compute acquires a session, runs the caller's query and stores the result.
// Compute errors are never cached; the session goes back to the pool on
// every path.
func (qc *QueryCache) compute(ctx context.Context, operation, key string, ttl time.Duration, compute types.ComputeFunc) (interface{}, error) {
	session, err := qc.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := qc.pool.Release(session); releaseErr != nil {
			qc.logger.Error("Failed to release session",
				zap.String("session_id", session.ID()),
				zap.Error(releaseErr))
		}
	}()

	start := time.Now()
	value, err := compute(ctx, session)
	qc.recordCompute(operation, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if setErr := qc.store.Set(key, value, ttl); setErr != nil {
		// the result is still good; a write failure only costs the next
		// caller a recompute
		qc.logger.Warn("Failed to store computed result",
			zap.String("operation", operation),
			zap.Error(setErr))
	}

	return value, nil
}

func (qc *QueryCache) Invalidate(operation string, params types.Params) error {
	if operation == "" {
		return types.ErrCacheOperationEmpty
	}

	if params == nil {
		return qc.store.DeletePrefix(KeyPrefix(operation))
	}

	key, err := BuildKey(operation, params)
	if err != nil {
		return err
	}

	return qc.store.Delete(key)
}

func (qc *QueryCache) Clear() error {
	return qc.store.Clear()
}

func (qc *QueryCache) Stats() types.CacheStats {
	return types.CacheStats{
		Hits:     qc.hits.Load(),
		Misses:   qc.misses.Load(),
		Entries:  qc.store.Len(),
		InFlight: int(qc.inFlight.Load()),
	}
}

func (qc *QueryCache) recordLookup(operation, result string) {
	if qc.metrics == nil {
		return
	}

	counter := qc.metrics.Counter("query_cache_lookups_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	counter.Inc()
}

func (qc *QueryCache) recordCompute(operation string, duration time.Duration, err error) {
	if qc.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	counter := qc.metrics.Counter("query_cache_computes_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	counter.Inc()

	histogram := qc.metrics.Histogram("query_cache_compute_duration_seconds",
		[]float64{0.01, 0.1, 0.5, 1.0, 5.0, 30.0},
		map[string]string{"operation": operation},
	)
	histogram.Observe(duration.Seconds())
}
