package config

import (
	"sync/atomic"

	"github.com/carelytics/dataservice/types"
)

type ConfigurationManager struct {
	config     atomic.Pointer[types.ServiceConfig]
	tree       atomic.Pointer[Tree]
	configPath string
	loader     *Loader
}

func NewConfigurationManager(configPath string) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{
		configPath: configPath,
		loader:     NewLoader(),
	}

	if err := cm.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}

	return cm, nil
}

func (cm *ConfigurationManager) Load() error {
	config, tree, err := cm.loader.LoadFromFile(cm.configPath)
	if err != nil {
		return err
	}

	cm.config.Store(config)
	cm.tree.Store(&tree)

	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.ServiceConfig {
	return cm.config.Load()
}

// GetValue reads a raw value by dot path from the file as written, including
// user extension blocks the typed config has no field for.
func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	tree := cm.tree.Load()
	if tree == nil {
		return defaultValue
	}
	return tree.Value(path, defaultValue)
}

// GetAs decodes the subtree at the given dot path into target.
func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	tree := cm.tree.Load()
	if tree == nil {
		return types.ErrConfigNotFound
	}
	return tree.Scan(path, target)
}
