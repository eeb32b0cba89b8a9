package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/hashicorp/go-hclog"
)

// secretGetter is the subset of azsecrets.Client the provider uses.
type secretGetter interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// AzureKeyVaultProvider implements ConfigProvider for Azure Key Vault.
// Deployments keep FIREBASE_API_KEY and STORE_ENCRYPTION_KEY here.
type AzureKeyVaultProvider struct {
	client        secretGetter
	vaultURL      string
	logger        hclog.Logger
	cache         map[string]cachedSecret
	cacheMutex    sync.RWMutex
	cacheDuration time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// SecretName converts environment variable style keys to Key Vault names.
// FIREBASE_API_KEY -> FIREBASE-API-KEY
func SecretName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// NewAzureKeyVaultProvider creates a new Azure Key Vault provider
func NewAzureKeyVaultProvider(config ProviderConfig) (ConfigProvider, error) {
	vaultURL, ok := config.Config["vault_url"].(string)
	if !ok || vaultURL == "" {
		return nil, fmt.Errorf("vault_url is required in config for Azure Key Vault provider")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(vaultURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}

	logger := config.logger().Named("keyvault")
	logger.Info("azure key vault provider initialized", "vault_url", vaultURL)

	return newAzureKeyVaultProvider(client, vaultURL, logger), nil
}

func newAzureKeyVaultProvider(client secretGetter, vaultURL string, logger hclog.Logger) *AzureKeyVaultProvider {
	return &AzureKeyVaultProvider{
		client:        client,
		vaultURL:      vaultURL,
		logger:        logger,
		cache:         make(map[string]cachedSecret),
		cacheDuration: 5 * time.Minute,
	}
}

// Get retrieves a configuration value from Azure Key Vault
func (akp *AzureKeyVaultProvider) Get(ctx context.Context, key string) (string, error) {
	akp.cacheMutex.RLock()
	if entry, exists := akp.cache[key]; exists && time.Now().Before(entry.expiresAt) {
		akp.cacheMutex.RUnlock()
		return entry.value, nil
	}
	akp.cacheMutex.RUnlock()

	akp.cacheMutex.Lock()
	defer akp.cacheMutex.Unlock()

	// Double-check after acquiring write lock
	if entry, exists := akp.cache[key]; exists && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	name := SecretName(key)
	secret, err := akp.fetch(ctx, name)
	if err != nil {
		akp.logger.Warn("secret lookup failed", "key", key, "secret", name, "error", err)
		return "", err
	}

	akp.cache[key] = cachedSecret{value: secret, expiresAt: time.Now().Add(akp.cacheDuration)}
	return secret, nil
}

// GetWithDefault retrieves a configuration value with fallback
func (akp *AzureKeyVaultProvider) GetWithDefault(ctx context.Context, key, defaultValue string) (string, error) {
	value, err := akp.Get(ctx, key)
	if err != nil {
		return defaultValue, nil
	}
	return value, nil
}

// TestConnection resolves a probe secret. A missing secret still proves
// connectivity, so only transport and auth failures are reported.
func (akp *AzureKeyVaultProvider) TestConnection(ctx context.Context) error {
	_, err := akp.fetch(ctx, "API-BASE-URL")
	if err != nil && !strings.Contains(err.Error(), "SecretNotFound") {
		return err
	}
	return nil
}

func (akp *AzureKeyVaultProvider) fetch(ctx context.Context, secretName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := akp.client.GetSecret(ctx, secretName, "", nil)
	if err != nil {
		return "", fmt.Errorf("failed to get secret '%s': %w", secretName, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secret '%s' has no value", secretName)
	}
	return *resp.Value, nil
}
