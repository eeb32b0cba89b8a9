package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"fleetdesk.com/session/config/providers"
	"github.com/hashicorp/go-hclog"
)

// ConfigManager manages configuration from different sources
type ConfigManager struct {
	configSource     string
	provider         providers.ConfigProvider
	fallbackProvider providers.ConfigProvider
	logger           hclog.Logger
}

// NewConfigManager creates a new configuration manager.
//
// CONFIG_SOURCE selects the primary provider (default env-file) and
// CONFIG_SOURCE_CONFIG carries its JSON settings. Both are read straight from
// the process environment since nothing else is available yet.
func NewConfigManager() (*ConfigManager, error) {
	return NewConfigManagerWithLogger(hclog.NewNullLogger())
}

// NewConfigManagerWithLogger is NewConfigManager with an explicit logger.
func NewConfigManagerWithLogger(logger hclog.Logger) (*ConfigManager, error) {
	logger = logger.Named("config")

	configSource := os.Getenv("CONFIG_SOURCE")
	if configSource == "" {
		configSource = string(providers.ProviderTypeEnvFile)
	}

	configSourceConfig := map[string]interface{}{}
	if raw := os.Getenv("CONFIG_SOURCE_CONFIG"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &configSourceConfig); err != nil {
			return nil, fmt.Errorf("failed to parse CONFIG_SOURCE_CONFIG: %w", err)
		}
	}

	factory := &providers.ProviderFactory{}

	providerConfig := providers.ProviderConfig{
		ProviderType: providers.ProviderType(configSource),
		Config:       configSourceConfig,
		Logger:       logger,
	}
	if err := factory.ValidateProviderConfig(providerConfig); err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}

	provider, err := factory.NewProvider(providerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create primary provider: %w", err)
	}

	// The fallback is always the plain environment
	fallbackProvider, err := factory.NewProvider(providers.ProviderConfig{
		ProviderType: providers.ProviderTypeEnvFile,
		Config:       map[string]interface{}{},
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback provider: %w", err)
	}

	if err := provider.TestConnection(context.Background()); err != nil {
		logger.Warn("primary provider connection failed, will use fallback", "source", configSource, "error", err)
	}

	logger.Info("configuration manager initialized", "source", configSource)

	return newManager(configSource, provider, fallbackProvider, logger), nil
}

func newManager(source string, primary, fallback providers.ConfigProvider, logger hclog.Logger) *ConfigManager {
	return &ConfigManager{
		configSource:     source,
		provider:         primary,
		fallbackProvider: fallback,
		logger:           logger,
	}
}

// Get retrieves a configuration value, consulting the fallback provider when
// the primary is not the environment itself.
func (cm *ConfigManager) Get(key string) string {
	return cm.GetWithDefault(key, "")
}

// GetWithDefault retrieves a configuration value with fallback
func (cm *ConfigManager) GetWithDefault(key, defaultValue string) string {
	ctx := context.Background()

	value, err := cm.provider.Get(ctx, key)
	if err == nil && value != "" {
		return value
	}
	if cm.configSource == string(providers.ProviderTypeEnvFile) {
		return defaultValue
	}

	cm.logger.Debug("primary provider miss, trying environment", "key", key)
	value, err = cm.fallbackProvider.Get(ctx, key)
	if err != nil || value == "" {
		return defaultValue
	}
	return value
}

// IsKeyVaultEnabled returns true if Azure Key Vault is the primary provider
func (cm *ConfigManager) IsKeyVaultEnabled() bool {
	return cm.configSource == string(providers.ProviderTypeAzureKeyVault)
}

// GetConfigSource returns the current configuration source
func (cm *ConfigManager) GetConfigSource() string {
	return cm.configSource
}
