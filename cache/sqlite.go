package cache

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
	"github.com/carelytics/dataservice/utils"
)

type SQLiteConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxEntries int    `yaml:"max_entries" json:"max_entries"`
}

// SQLiteStore is a persistent single-node cache backend: entries survive
// process restarts, which suits expensive warehouse aggregates recomputed
// on a daily cadence.
type SQLiteStore struct {
	logger  types.Logger
	config  *SQLiteConfig
	db      *sql.DB
	mu      sync.RWMutex
	running int32
}

func NewSQLiteStore(logger types.Logger, config *types.CacheConfig) (types.CacheStore, error) {
	sqliteConfig := &SQLiteConfig{
		Path:       "data/cache.db",
		MaxEntries: 10000,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite cache config")
		}
	}

	if dir := filepath.Dir(sqliteConfig.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.WrapError(err, "failed to create cache directory")
		}
	}

	db, err := sql.Open("sqlite3", sqliteConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open cache database")
	}

	store := &SQLiteStore{
		logger: logger,
		config: sqliteConfig,
		db:     db,
	}

	if err := store.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) createSchema() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return types.WrapError(err, "failed to configure cache database")
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache (
		key        TEXT PRIMARY KEY,
		content    BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return types.WrapError(err, "failed to create cache schema")
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var content []byte
	var expiresAt int64

	err := s.db.QueryRow("SELECT content, expires_at FROM cache WHERE key = ?", key).
		Scan(&content, &expiresAt)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Error("Failed to read cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	if time.Now().UnixNano() > expiresAt {
		// lazy expiry; the row is overwritten on the next Set for this key
		go s.deleteExpired(key, expiresAt)
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(content, &entry); err != nil {
		s.logger.Error("Failed to decode cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	return entry.Value, true
}

func (s *SQLiteStore) Set(key string, value interface{}, ttl time.Duration) error {
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

	content, err := utils.Marshal(entry)
	if err != nil {
		return types.Errorf(types.ErrCacheValueNotCacheable, "key %s: %v", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enforceSizeUnsafe(); err != nil {
		return err
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, content, created_at, expires_at) VALUES (?, ?, ?, ?)",
		key, content, now.UnixNano(), entry.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return types.WrapError(err, "failed to insert cache entry")
	}

	return nil
}

func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key); err != nil {
		return types.WrapError(err, "failed to delete cache entry")
	}
	return nil
}

func (s *SQLiteStore) DeletePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cache WHERE key LIKE ? || '%'", prefix); err != nil {
		return types.WrapError(err, "failed to delete cache entries by prefix")
	}
	return nil
}

func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cache"); err != nil {
		return types.WrapError(err, "failed to clear cache")
	}
	return nil
}

func (s *SQLiteStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache WHERE expires_at > ?", time.Now().UnixNano()).
		Scan(&count)
	if err != nil {
		s.logger.Error("Failed to count cache entries", zap.Error(err))
		return 0
	}
	return count
}

func (s *SQLiteStore) Start() error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	// drop whatever expired while the process was down
	s.mu.Lock()
	_, err := s.db.Exec("DELETE FROM cache WHERE expires_at <= ?", time.Now().UnixNano())
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("Failed to purge expired cache entries", zap.Error(err))
	}

	s.logger.Info("SQLite cache started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return types.ErrNotRunning
	}

	if err := s.db.Close(); err != nil {
		return types.WrapError(err, "failed to close cache database")
	}

	s.logger.Info("SQLite cache stopped")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *SQLiteStore) deleteExpired(key string, expiresAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM cache WHERE key = ? AND expires_at = ?", key, expiresAt)
	if err != nil {
		s.logger.Debug("Failed to remove expired cache entry", zap.String("key", key), zap.Error(err))
	}
}

// enforceSizeUnsafe trims oldest entries when the bound is reached; expired
// rows go first.
func (s *SQLiteStore) enforceSizeUnsafe() error {
	if s.config.MaxEntries <= 0 {
		return nil
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&count); err != nil {
		return types.WrapError(err, "failed to count cache entries")
	}

	if count < s.config.MaxEntries {
		return nil
	}

	if _, err := s.db.Exec("DELETE FROM cache WHERE expires_at <= ?", time.Now().UnixNano()); err != nil {
		return types.WrapError(err, "failed to purge expired cache entries")
	}

	if err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&count); err != nil {
		return types.WrapError(err, "failed to count cache entries")
	}

	if overflow := count - s.config.MaxEntries + 1; overflow > 0 {
		_, err := s.db.Exec(
			"DELETE FROM cache WHERE key IN (SELECT key FROM cache ORDER BY created_at ASC LIMIT ?)",
			overflow,
		)
		if err != nil {
			return types.WrapError(err, "failed to evict cache entries")
		}
	}

	return nil
}
