package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
	"github.com/carelytics/dataservice/utils"
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 1 * time.Hour
)

type MemoryConfig struct {
	MaxEntries      int    `yaml:"max_entries" json:"max_entries"`
	CleanupInterval string `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// MemoryStore is the private in-process cache backend. Entries expire lazily
// on Get and via a background sweep; a FIFO victim is evicted when the entry
// bound is reached.
type MemoryStore struct {
	logger      types.Logger
	config      *MemoryConfig
	data        map[string]*types.CacheEntry
	mu          sync.RWMutex
	hits        uint64
	misses      uint64
	evictions   uint64
	running     int32
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

func NewMemoryStore(logger types.Logger, config *types.CacheConfig) (types.CacheStore, error) {
	memConfig := &MemoryConfig{
		MaxEntries:      10000,
		CleanupInterval: "5m",
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, memConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	return &MemoryStore{
		logger: logger,
		config: memConfig,
		data:   make(map[string]*types.CacheEntry),
	}, nil
}

func (m *MemoryStore) Get(key string) (interface{}, bool) {
	now := time.Now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if entry.Expired(now) {
		m.mu.RUnlock()

		m.mu.Lock()
		if entry, exists := m.data[key]; exists && entry.Expired(now) {
			delete(m.data, key)
		}
		m.mu.Unlock()

		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	value := entry.Value
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)
	return value, true
}

func (m *MemoryStore) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	now := time.Now()
	entry := &types.CacheEntry{
		Key:       key,
		Value:     value,
		TTL:       ttl,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxEntries > 0 {
		if _, exists := m.data[key]; !exists && len(m.data) >= m.config.MaxEntries {
			m.evictOneUnsafe()
		}
	}

	m.data[key] = entry
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) DeletePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			delete(m.data, key)
		}
	}
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	cleared := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.mu.Unlock()

	m.logger.Info("Memory cache cleared", zap.Int("cleared_entries", cleared))
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStore) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	// fresh channels each cycle so the store survives a stop/start sequence
	stop := make(chan struct{})
	done := make(chan struct{})
	m.mu.Lock()
	m.stopCleanup = stop
	m.cleanupDone = done
	m.mu.Unlock()

	if m.config.CleanupInterval != "" {
		go m.startCleanupRoutine(stop, done)
	} else {
		close(done)
	}

	m.logger.Info("Memory cache started")
	return nil
}

func (m *MemoryStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrNotRunning
	}

	m.mu.RLock()
	stop, done := m.stopCleanup, m.cleanupDone
	m.mu.RUnlock()
	close(stop)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	m.Clear()
	m.logger.Info("Memory cache stopped")
	return nil
}

func (m *MemoryStore) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryStore) startCleanupRoutine(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	cleanupInterval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 5m",
			zap.String("interval", m.config.CleanupInterval),
			zap.Error(err))
		cleanupInterval = 5 * time.Minute
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			m.logger.Debug("Cleanup routine stopped")
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryStore) cleanup() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for key, entry := range m.data {
		if entry.Expired(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(m.data, key)
	}
	m.mu.Unlock()

	if len(expired) > 0 {
		m.logger.Debug("Cache sweep completed", zap.Int("expired_entries", len(expired)))
	}
}

func (m *MemoryStore) evictOneUnsafe() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.data {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	if oldestKey != "" {
		delete(m.data, oldestKey)
		atomic.AddUint64(&m.evictions, 1)
	}
}
