package config

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	globalConfigManager *ConfigManager
	globalConfigOnce    sync.Once
	globalConfigMutex   sync.RWMutex
)

// InitGlobalConfig initializes the global configuration manager.
// Safe to call more than once; only the first call builds the manager.
func InitGlobalConfig() error {
	return InitGlobalConfigWithLogger(hclog.NewNullLogger())
}

// InitGlobalConfigWithLogger is InitGlobalConfig with an explicit logger.
func InitGlobalConfigWithLogger(logger hclog.Logger) error {
	var err error
	globalConfigOnce.Do(func() {
		var cm *ConfigManager
		cm, err = NewConfigManagerWithLogger(logger)
		if err == nil {
			SetGlobalConfig(cm)
		}
	})
	return err
}

// GetGlobalConfig returns the global configuration manager instance
func GetGlobalConfig() *ConfigManager {
	globalConfigMutex.RLock()
	defer globalConfigMutex.RUnlock()
	return globalConfigManager
}

// GetConfig returns the value for key, or "" when unset or uninitialized.
func GetConfig(key string) string {
	cm := GetGlobalConfig()
	if cm == nil {
		return ""
	}
	return cm.Get(key)
}

// GetConfigWithDefault is GetConfig with a fallback value
func GetConfigWithDefault(key, defaultValue string) string {
	cm := GetGlobalConfig()
	if cm == nil {
		return defaultValue
	}
	return cm.GetWithDefault(key, defaultValue)
}

// SetGlobalConfig allows setting the global config (mainly for testing)
func SetGlobalConfig(cm *ConfigManager) {
	globalConfigMutex.Lock()
	defer globalConfigMutex.Unlock()
	globalConfigManager = cm
}

// IsGlobalConfigInitialized checks if the global config has been initialized
func IsGlobalConfigInitialized() bool {
	return GetGlobalConfig() != nil
}
