package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carelytics/dataservice/types"
	"github.com/carelytics/dataservice/utils"
)

const (
	payloadRaw      byte = 0x00
	payloadCompress byte = 0x01
)

type RedisConfig struct {
	Host              string `yaml:"host" json:"host"`
	Port              int    `yaml:"port" json:"port"`
	Password          string `yaml:"password" json:"password"`
	DB                int    `yaml:"db" json:"db"`
	PoolSize          int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns      int    `yaml:"min_idle_conns" json:"min_idle_conns"`
	DialTimeout       string `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout       string `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout      string `yaml:"write_timeout" json:"write_timeout"`
	KeyPrefix         string `yaml:"key_prefix" json:"key_prefix"`
	CompressThreshold int    `yaml:"compress_threshold" json:"compress_threshold"`
}

// RedisStore is the shared cache backend used when several service processes
// must observe the same entries. Serialized entries above the configured
// threshold are brotli-compressed before they hit the wire.
type RedisStore struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	running int32
}

// NewRedisStore builds the shared backend without touching the network;
// reachability is checked by the fallback wrapper's Start and Recover probes,
// so a redis outage at construction time never fails service startup.
func NewRedisStore(logger types.Logger, config *types.CacheConfig) (types.CacheStore, error) {
	redisConfig := &RedisConfig{
		Host:              "localhost",
		Port:              6379,
		DB:                0,
		PoolSize:          10,
		MinIdleConns:      2,
		DialTimeout:       "5s",
		ReadTimeout:       "3s",
		WriteTimeout:      "3s",
		KeyPrefix:         "dataservice",
		CompressThreshold: 4096,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	dialTimeout, err := parseTimeout("dial_timeout", redisConfig.DialTimeout)
	if err != nil {
		return nil, err
	}
	readTimeout, err := parseTimeout("read_timeout", redisConfig.ReadTimeout)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := parseTimeout("write_timeout", redisConfig.WriteTimeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RedisStore{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		config: redisConfig,
		client: redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
			Password:     redisConfig.Password,
			DB:           redisConfig.DB,
			PoolSize:     redisConfig.PoolSize,
			MinIdleConns: redisConfig.MinIdleConns,
			DialTimeout:  dialTimeout,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		}),
	}, nil
}

// parseTimeout reads a duration config field in its yaml form ("5s", "200ms").
// An empty value means the client default.
func parseTimeout(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	timeout, err := time.ParseDuration(value)
	if err != nil {
		return 0, types.WrapError(err, "invalid "+name)
	}
	return timeout, nil
}

// Probe verifies the shared store is reachable. The fallback wrapper uses it
// both at startup and for periodic recovery checks.
func (r *RedisStore) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return r.client.Ping(probeCtx).Err()
}

func (r *RedisStore) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	payload, err := r.client.Get(r.ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if !types.IsError(err, redis.Nil) {
			r.logger.Error("Failed to get cache entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	entry, err := r.decodeEntry(payload)
	if err != nil {
		r.logger.Error("Failed to decode cache entry", zap.String("key", key), zap.Error(err))
		r.client.Del(r.ctx, r.buildFullKey(key))
		return nil, false
	}

	if entry.Expired(time.Now()) {
		r.client.Del(r.ctx, r.buildFullKey(key))
		return nil, false
	}

	return entry.Value, true
}

func (r *RedisStore) Set(key string, value interface{}, ttl time.Duration) error {
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

	payload, err := r.encodeEntry(entry)
	if err != nil {
		return types.Errorf(types.ErrCacheValueNotCacheable, "key %s: %v", key, err)
	}

	if err := r.client.Set(r.ctx, r.buildFullKey(key), payload, ttl).Err(); err != nil {
		r.logger.Error("Failed to set cache entry", zap.String("key", key), zap.Error(err))
		return types.Errorf(types.ErrCacheStoreUnavailable, "set %s: %v", key, err)
	}

	return nil
}

func (r *RedisStore) Delete(key string) error {
	if key == "" {
		return nil
	}

	if err := r.client.Del(r.ctx, r.buildFullKey(key)).Err(); err != nil {
		return types.Errorf(types.ErrCacheStoreUnavailable, "delete %s: %v", key, err)
	}
	return nil
}

func (r *RedisStore) DeletePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}

	match := r.buildFullKey(prefix) + "*"
	iter := r.client.Scan(r.ctx, 0, match, 100).Iterator()

	var keys []string
	for iter.Next(r.ctx) {
		keys = append(keys, iter.Val())

		if len(keys) >= 100 {
			if err := r.client.Del(r.ctx, keys...).Err(); err != nil {
				return types.Errorf(types.ErrCacheStoreUnavailable, "delete prefix %s: %v", prefix, err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return types.Errorf(types.ErrCacheStoreUnavailable, "scan prefix %s: %v", prefix, err)
	}

	if len(keys) > 0 {
		if err := r.client.Del(r.ctx, keys...).Err(); err != nil {
			return types.Errorf(types.ErrCacheStoreUnavailable, "delete prefix %s: %v", prefix, err)
		}
	}

	return nil
}

func (r *RedisStore) Clear() error {
	return r.DeletePrefix("")
}

func (r *RedisStore) Len() int {
	match := r.buildFullKey("") + "*"
	iter := r.client.Scan(r.ctx, 0, match, 100).Iterator()

	count := 0
	for iter.Next(r.ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		r.logger.Error("Failed to count cache entries", zap.Error(err))
		return 0
	}

	return count
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return types.ErrAlreadyRunning
	}

	r.logger.Info("Redis cache started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)),
		zap.String("key_prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return types.ErrNotRunning
	}

	r.cancel()

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache stopped")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.running) == 1
}

func (r *RedisStore) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return r.config.KeyPrefix + ":" + key
	}
	return key
}

func (r *RedisStore) encodeEntry(entry *types.CacheEntry) ([]byte, error) {
	data, err := utils.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if r.config.CompressThreshold <= 0 || len(data) < r.config.CompressThreshold {
		return append([]byte{payloadRaw}, data...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(payloadCompress)
	writer := brotli.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (r *RedisStore) decodeEntry(payload []byte) (*types.CacheEntry, error) {
	if len(payload) < 2 {
		return nil, types.ErrCacheEntryNotFound
	}

	marker, data := payload[0], payload[1:]

	if marker == payloadCompress {
		reader := brotli.NewReader(bytes.NewReader(data))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, types.WrapError(err, "failed to decompress cache entry")
		}
		data = decompressed
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal(data, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}
