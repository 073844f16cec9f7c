package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
name: "carelytics-dataservice"
version: "1.0.0"
warehouse:
  max_connections: 4
  acquire_timeout: 10s
  shutdown_grace: 5s
cache:
  enabled: true
  type: "memory"
  default_ttl: 15m
metrics:
  enabled: true
  type: "prometheus"
maintenance:
  enabled: true
  pool_sweep_spec: "@every 1m"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigurationManagerLoadsFile(t *testing.T) {
	manager, err := NewConfigurationManager(writeConfig(t, validConfig))
	require.NoError(t, err)

	config := manager.GetConfig()
	assert.Equal(t, "carelytics-dataservice", config.Name)
	assert.Equal(t, 4, config.Warehouse.MaxConnections)
	assert.Equal(t, 10*time.Second, config.Warehouse.AcquireTimeout)
	assert.Equal(t, 15*time.Minute, config.Cache.DefaultTTL)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "@every 1m", config.Maintenance.PoolSweepSpec)
}

func TestConfigurationManagerAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: "carelytics-dataservice"
version: "1.0.0"
warehouse:
  max_connections: 2
`)

	manager, err := NewConfigurationManager(path)
	require.NoError(t, err)

	config := manager.GetConfig()
	assert.Equal(t, 30*time.Second, config.Warehouse.AcquireTimeout)
	assert.Equal(t, "memory", config.Cache.Type)
	assert.Equal(t, 5*time.Minute, config.Cache.DefaultTTL)
	assert.True(t, config.Health.Enabled)
	assert.False(t, config.Maintenance.Enabled)
}

func TestConfigurationManagerRejectsInvalidConfig(t *testing.T) {
	_, err := NewConfigurationManager(writeConfig(t, `
name: "carelytics-dataservice"
version: "1.0.0"
warehouse:
  max_connections: 0
`))
	assert.Error(t, err, "max_connections below 1 must fail validation")

	_, err = NewConfigurationManager(writeConfig(t, `
version: "1.0.0"
warehouse:
  max_connections: 2
`))
	assert.Error(t, err, "missing name must fail validation")
}

func TestConfigurationManagerMissingFile(t *testing.T) {
	_, err := NewConfigurationManager(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestConfigurationManagerGetValue(t *testing.T) {
	manager, err := NewConfigurationManager(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "carelytics-dataservice", manager.GetValue("name", ""))
	assert.Equal(t, "memory", manager.GetValue("cache.type", ""))
	assert.Equal(t, "fallback", manager.GetValue("cache.nope", "fallback"))
}

func TestConfigurationManagerGetAs(t *testing.T) {
	manager, err := NewConfigurationManager(writeConfig(t, validConfig))
	require.NoError(t, err)

	var cacheType string
	require.NoError(t, manager.GetAs("cache.type", &cacheType))
	assert.Equal(t, "memory", cacheType)

	assert.Error(t, manager.GetAs("cache.nope", &cacheType))
}

func TestConfigurationManagerReadsExtensionBlocks(t *testing.T) {
	manager, err := NewConfigurationManager(writeConfig(t, validConfig+`
reporting:
  batch_size: 250
  region: "northeast"
`))
	require.NoError(t, err)

	assert.Equal(t, 250, manager.GetValue("reporting.batch_size", 0),
		"blocks outside the typed config must stay readable by dot path")
	assert.Equal(t, "northeast", manager.GetValue("reporting.region", ""))

	var settings struct {
		BatchSize int    `yaml:"batch_size"`
		Region    string `yaml:"region"`
	}
	require.NoError(t, manager.GetAs("reporting", &settings))
	assert.Equal(t, 250, settings.BatchSize)
	assert.Equal(t, "northeast", settings.Region)
}
