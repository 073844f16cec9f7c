package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
)

// DirectQueryCache satisfies the query cache contract without storing
// anything. Used when caching is disabled in config: every call acquires a
// session and computes.
type DirectQueryCache struct {
	logger types.Logger
	pool   types.SessionPool
	misses atomic.Uint64
}

func NewDirectQueryCache(logger types.Logger, pool types.SessionPool) *DirectQueryCache {
	return &DirectQueryCache{
		logger: logger,
		pool:   pool,
	}
}

func (dc *DirectQueryCache) GetOrCompute(ctx context.Context, operation string, params types.Params, _ time.Duration, compute types.ComputeFunc) (interface{}, error) {
	if operation == "" {
		return nil, types.ErrCacheOperationEmpty
	}

	dc.misses.Add(1)

	session, err := dc.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := dc.pool.Release(session); releaseErr != nil {
			dc.logger.Error("Failed to release session",
				zap.String("session_id", session.ID()),
				zap.Error(releaseErr))
		}
	}()

	return compute(ctx, session)
}

func (dc *DirectQueryCache) Invalidate(operation string, _ types.Params) error {
	if operation == "" {
		return types.ErrCacheOperationEmpty
	}
	return nil
}

func (dc *DirectQueryCache) Clear() error {
	return nil
}

func (dc *DirectQueryCache) Stats() types.CacheStats {
	return types.CacheStats{
		Misses: dc.misses.Load(),
	}
}
