package providers

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// ProviderType represents the type of configuration provider
type ProviderType string

const (
	ProviderTypeAzureKeyVault ProviderType = "azure-keyvault"
	ProviderTypeEnvFile       ProviderType = "env-file"
)

// ConfigProvider defines the interface for any configuration source
type ConfigProvider interface {
	// Get retrieves a configuration value by key
	Get(ctx context.Context, key string) (string, error)

	// GetWithDefault retrieves a configuration value with fallback to default
	GetWithDefault(ctx context.Context, key, defaultValue string) (string, error)

	// TestConnection reports whether the source is reachable
	TestConnection(ctx context.Context) error
}

// ProviderConfig holds configuration for a specific provider
type ProviderConfig struct {
	ProviderType ProviderType           `json:"provider_type"`
	Config       map[string]interface{} `json:"config"`
	Logger       hclog.Logger           `json:"-"`
}

func (c ProviderConfig) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger
}

// ProviderFactory creates and manages configuration providers
type ProviderFactory struct{}

// NewProvider creates a new configuration provider based on the configuration
func (pf *ProviderFactory) NewProvider(config ProviderConfig) (ConfigProvider, error) {
	switch config.ProviderType {
	case ProviderTypeAzureKeyVault:
		return NewAzureKeyVaultProvider(config)
	case ProviderTypeEnvFile:
		return NewEnvFileProvider(config)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", config.ProviderType)
	}
}

// ValidateProviderConfig validates the configuration for a specific provider
func (pf *ProviderFactory) ValidateProviderConfig(config ProviderConfig) error {
	switch config.ProviderType {
	case ProviderTypeAzureKeyVault:
		return validateAzureKeyVaultConfig(config)
	case ProviderTypeEnvFile:
		return validateEnvFileConfig(config)
	default:
		return fmt.Errorf("unsupported provider type: %s", config.ProviderType)
	}
}

func validateAzureKeyVaultConfig(config ProviderConfig) error {
	vaultURL, ok := config.Config["vault_url"].(string)
	if !ok || vaultURL == "" {
		return fmt.Errorf("vault_url is required for azure-keyvault provider")
	}
	return nil
}

func validateEnvFileConfig(config ProviderConfig) error {
	if path, ok := config.Config["path"]; ok {
		if _, isString := path.(string); !isString {
			return fmt.Errorf("env-file path must be a string, got %T", path)
		}
	}
	return nil
}
