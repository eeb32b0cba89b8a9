package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
)

// Store backends selectable through CREDENTIAL_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Getter is the lookup surface Settings are loaded from.
type Getter interface {
	GetWithDefault(key, defaultValue string) string
}

// Settings is the typed configuration of the session layer.
type Settings struct {
	APIBaseURL string `validate:"required,url"`

	FirebaseAPIKey   string
	FirebaseAuthURL  string `validate:"required,url"`
	FirebaseTokenURL string `validate:"required,url"`

	CredentialStore    string `validate:"oneof=memory redis postgres"`
	RedisAddr          string `validate:"required_if=CredentialStore redis"`
	RedisPassword      string
	DatabaseURL        string `validate:"required_if=CredentialStore postgres"`
	StoreEncryptionKey string `validate:"omitempty,min=16"`

	RefreshLookahead time.Duration `validate:"gt=0"`
	HTTPTimeout      time.Duration `validate:"gt=0"`

	LogLevel      string `validate:"oneof=trace debug info warn error"`
	GatewayListen string

	// LegacyAuth mounts the backend-only login and register routes.
	LegacyAuth bool
}

// LoadSettings reads Settings from the global configuration.
func LoadSettings() (*Settings, error) {
	cm := GetGlobalConfig()
	if cm == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return LoadSettingsFrom(cm)
}

// LoadSettingsFrom reads and validates Settings from g.
func LoadSettingsFrom(g Getter) (*Settings, error) {
	lookahead, err := parseDuration(g.GetWithDefault("TOKEN_REFRESH_LOOKAHEAD", ""), 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_REFRESH_LOOKAHEAD: %w", err)
	}
	timeout, err := parseDuration(g.GetWithDefault("HTTP_TIMEOUT", ""), 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}

	legacy, err := strconv.ParseBool(g.GetWithDefault("LEGACY_AUTH_ENABLED", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid LEGACY_AUTH_ENABLED: %w", err)
	}

	s := &Settings{
		APIBaseURL:         g.GetWithDefault("API_BASE_URL", ""),
		FirebaseAPIKey:     g.GetWithDefault("FIREBASE_API_KEY", ""),
		FirebaseAuthURL:    g.GetWithDefault("FIREBASE_AUTH_URL", "https://identitytoolkit.googleapis.com/v1"),
		FirebaseTokenURL:   g.GetWithDefault("FIREBASE_TOKEN_URL", "https://securetoken.googleapis.com/v1"),
		CredentialStore:    g.GetWithDefault("CREDENTIAL_STORE", StoreMemory),
		RedisAddr:          g.GetWithDefault("REDIS_ADDR", ""),
		RedisPassword:      g.GetWithDefault("REDIS_PASSWORD", ""),
		DatabaseURL:        g.GetWithDefault("DATABASE_URL", ""),
		StoreEncryptionKey: g.GetWithDefault("STORE_ENCRYPTION_KEY", ""),
		RefreshLookahead:   lookahead,
		HTTPTimeout:        timeout,
		LogLevel:           g.GetWithDefault("LOG_LEVEL", "info"),
		GatewayListen:      g.GetWithDefault("GATEWAY_LISTEN", "127.0.0.1:8787"),
		LegacyAuth:         legacy,
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// Level returns the hclog level for LogLevel.
func (s *Settings) Level() hclog.Level {
	return hclog.LevelFromString(s.LogLevel)
}

func parseDuration(durationStr string, fallback time.Duration) (time.Duration, error) {
	if durationStr == "" {
		return fallback, nil
	}
	return time.ParseDuration(durationStr)
}
