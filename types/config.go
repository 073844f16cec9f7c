package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Warehouse   *WarehouseConfig   `yaml:"warehouse" json:"warehouse" validate:"required"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
	Maintenance *MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

// WarehouseConfig bounds the session pool in front of the query executor.
type WarehouseConfig struct {
	MaxConnections int           `yaml:"max_connections" json:"max_connections" validate:"required,min=1"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout" validate:"min=0"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" json:"shutdown_grace" validate:"min=0"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Type       string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	Config     interface{}   `yaml:"config" json:"config"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// MaintenanceConfig carries cron specs for the periodic jobs the Service
// schedules: idle-session validation and shared-store reachability probes.
type MaintenanceConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	PoolSweepSpec    string `yaml:"pool_sweep_spec" json:"pool_sweep_spec"`
	StoreProbeSpec   string `yaml:"store_probe_spec" json:"store_probe_spec"`
	Timezone         string `yaml:"timezone" json:"timezone"`
	JobTimeoutSecond int    `yaml:"job_timeout_seconds" json:"job_timeout_seconds"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}
