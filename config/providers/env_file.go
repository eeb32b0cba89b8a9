package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read when no explicit path is configured.
const DefaultEnvFile = ".env"

// EnvFileProvider implements ConfigProvider for environment variables,
// layered over an optional dotenv file. Process environment wins.
type EnvFileProvider struct {
	path   string
	values map[string]string
}

// NewEnvFileProvider creates a new environment file provider
func NewEnvFileProvider(config ProviderConfig) (ConfigProvider, error) {
	path := DefaultEnvFile
	explicit := false
	if p, ok := config.Config["path"].(string); ok && p != "" {
		path = p
		explicit = true
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			values = map[string]string{}
		} else {
			return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
		}
	} else {
		config.logger().Debug("loaded env file", "path", path, "keys", len(values))
	}

	return &EnvFileProvider{
		path:   path,
		values: values,
	}, nil
}

// Get retrieves a configuration value from environment variables
func (ep *EnvFileProvider) Get(ctx context.Context, key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	if value := ep.values[key]; value != "" {
		return value, nil
	}
	return "", fmt.Errorf("environment variable '%s' not set", key)
}

// GetWithDefault retrieves a configuration value with fallback
func (ep *EnvFileProvider) GetWithDefault(ctx context.Context, key, defaultValue string) (string, error) {
	value, err := ep.Get(ctx, key)
	if err != nil {
		return defaultValue, nil
	}
	return value, nil
}

// TestConnection always succeeds; the environment is always reachable.
func (ep *EnvFileProvider) TestConnection(ctx context.Context) error {
	return nil
}
