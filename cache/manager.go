package cache

import (
	"context"
	"time"

	"github.com/carelytics/dataservice/types"
)

// Recoverer is implemented by stores that can switch back to a shared
// backend after an outage.
type Recoverer interface {
	Recover(ctx context.Context) error
}

var customStoreCreators = make(map[string]types.CacheStoreCreator)

// RegisterCacheStore makes a custom store backend available under the given
// type name. Call before NewStore, typically from an init function.
func RegisterCacheStore(storeName string, creator types.CacheStoreCreator) {
	customStoreCreators[storeName] = creator
}

// NewStore builds the configured store backend. Shared backends (redis) are
// wrapped in a FallbackStore so a store outage degrades hit rate instead of
// failing queries; a shared backend that is unreachable at startup runs
// degraded until a recovery probe switches it back.
func NewStore(logger types.Logger, metrics types.MetricsManager, config *types.CacheConfig) (types.CacheStore, error) {
	var impl types.CacheStore
	var err error

	switch config.Type {
	case "memory":
		impl, err = NewMemoryStore(logger, config)
	case "sqlite":
		impl, err = NewSQLiteStore(logger, config)
	case "redis":
		impl, err = newSharedStore(logger, config)
	default:
		if creator, exists := customStoreCreators[config.Type]; exists {
			impl, err = creator(config.Config)
		} else {
			return nil, types.Errorf(types.ErrCacheTypeUnknown, "type: %s", config.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(logger, metrics, impl), nil
}

func newSharedStore(logger types.Logger, config *types.CacheConfig) (types.CacheStore, error) {
	private, err := NewMemoryStore(logger, &types.CacheConfig{
		Enabled:    true,
		Type:       "memory",
		DefaultTTL: config.DefaultTTL,
	})
	if err != nil {
		return nil, err
	}

	shared, err := NewRedisStore(logger, config)
	if err != nil {
		return nil, err
	}

	return NewFallbackStore(logger, shared, private), nil
}

type instrumentedStore struct {
	impl    types.CacheStore
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedStore(logger types.Logger, metrics types.MetricsManager, impl types.CacheStore) types.CacheStore {
	return &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (is *instrumentedStore) Get(key string) (interface{}, bool) {
	start := time.Now()
	value, exists := is.impl.Get(key)
	duration := time.Since(start)

	result := "miss"
	if exists {
		result = "hit"
	}

	is.recordMetric("get", result, duration)
	return value, exists
}

func (is *instrumentedStore) Set(key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	err := is.impl.Set(key, value, ttl)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	is.recordMetric("set", result, duration)
	return err
}

func (is *instrumentedStore) Delete(key string) error {
	start := time.Now()
	err := is.impl.Delete(key)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	is.recordMetric("delete", result, duration)
	return err
}

func (is *instrumentedStore) DeletePrefix(prefix string) error {
	start := time.Now()
	err := is.impl.DeletePrefix(prefix)
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "error"
	}

	is.recordMetric("delete_prefix", result, duration)
	return err
}

func (is *instrumentedStore) Clear() error {
	return is.impl.Clear()
}

func (is *instrumentedStore) Len() int {
	return is.impl.Len()
}

func (is *instrumentedStore) Start() error {
	return is.impl.Start()
}

func (is *instrumentedStore) Stop() error {
	return is.impl.Stop()
}

func (is *instrumentedStore) IsRunning() bool {
	return is.impl.IsRunning()
}

// Recover forwards to the wrapped store when it supports degraded-mode
// recovery (FallbackStore does). No-op otherwise.
func (is *instrumentedStore) Recover(ctx context.Context) error {
	if r, ok := is.impl.(Recoverer); ok {
		return r.Recover(ctx)
	}
	return nil
}

func (is *instrumentedStore) recordMetric(operation, result string, duration time.Duration) {
	opCounter := is.metrics.Counter("cache_store_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	})
	opCounter.Inc()

	opDuration := is.metrics.Histogram("cache_store_operation_duration_seconds",
		[]float64{0.0001, 0.001, 0.01, 0.1, 1.0},
		map[string]string{"operation": operation},
	)
	opDuration.Observe(duration.Seconds())
}
