// Package store holds the credential store shared by the session layer: the
// bridged token pair, its legacy alias, and cached user and organization
// snapshots. Every HTTP client that sends bearer tokens attaches to the store
// and is updated in the same critical section as the persisted pair.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Persisted keys.
const (
	KeyAccessToken  = "accessToken"
	KeyRefreshToken = "refreshToken"
	KeyLegacyToken  = "token"
	KeyUser         = "user"
	KeyOrganization = "organization"
)

// AuthKeys lists every key removed on sign-out.
var AuthKeys = []string{KeyAccessToken, KeyRefreshToken, KeyLegacyToken, KeyUser, KeyOrganization}

var (
	// ErrNoToken is returned when a write requires an access token and none is stored.
	ErrNoToken = errors.New("store: no access token present")
	// ErrEmptyToken is returned when SetTokens is called with an empty access token.
	ErrEmptyToken = errors.New("store: access token must not be empty")
)

// HeaderSink receives the Authorization header whenever the token changes.
type HeaderSink interface {
	SetAuthorization(token string)
	ClearAuthorization()
}

type snapshot struct {
	accessToken  string
	refreshToken string
	user         string
	organization string
}

// CredentialStore is the single writer of session credentials.
type CredentialStore struct {
	mu      sync.RWMutex
	backend Backend
	snap    snapshot
	sinks   []HeaderSink
	logger  hclog.Logger
}

// New creates a store over backend. Call Load to hydrate persisted entries.
func New(backend Backend, logger hclog.Logger) *CredentialStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &CredentialStore{
		backend: backend,
		logger:  logger.Named("store"),
	}
}

// Backend returns the persistence layer, for components that keep their own
// keys next to the credentials.
func (s *CredentialStore) Backend() Backend {
	return s.backend
}

// Load reads persisted entries into memory. An entry written by an older
// client under the legacy alias only is promoted to accessToken.
func (s *CredentialStore) Load(ctx context.Context) error {
	values := make(map[string]string, len(AuthKeys))
	for _, k := range AuthKeys {
		v, ok, err := s.backend.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("store: load %s: %w", k, err)
		}
		if ok {
			values[k] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	access := values[KeyAccessToken]
	legacy := values[KeyLegacyToken]
	if access == "" && legacy != "" {
		access = legacy
	}
	if access != "" && legacy != access {
		s.logger.Debug("repairing diverged legacy token alias")
		if err := s.backend.SetMany(ctx, map[string]string{KeyAccessToken: access, KeyLegacyToken: access}); err != nil {
			return fmt.Errorf("store: repair alias: %w", err)
		}
	}

	s.snap = snapshot{
		accessToken:  access,
		refreshToken: values[KeyRefreshToken],
		user:         values[KeyUser],
		organization: values[KeyOrganization],
	}
	s.applySinksLocked()
	return nil
}

// Attach registers sink and immediately applies the current header.
func (s *CredentialStore) Attach(sink HeaderSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	if s.snap.accessToken != "" {
		sink.SetAuthorization(s.snap.accessToken)
	} else {
		sink.ClearAuthorization()
	}
}

// SetTokens writes accessToken, its legacy alias and refreshToken together
// and updates every attached sink before returning. An empty refresh token
// removes the persisted one.
func (s *CredentialStore) SetTokens(ctx context.Context, access, refresh string) error {
	return s.write(ctx, access, refresh, nil)
}

// SetAuthenticated is SetTokens plus the serialized user record.
func (s *CredentialStore) SetAuthenticated(ctx context.Context, access, refresh string, user []byte) error {
	return s.write(ctx, access, refresh, user)
}

func (s *CredentialStore) write(ctx context.Context, access, refresh string, user []byte) error {
	if access == "" {
		return ErrEmptyToken
	}

	values := map[string]string{
		KeyAccessToken: access,
		KeyLegacyToken: access,
	}
	if refresh != "" {
		values[KeyRefreshToken] = refresh
	}
	if user != nil {
		values[KeyUser] = string(user)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SetMany(ctx, values); err != nil {
		return fmt.Errorf("store: write tokens: %w", err)
	}

	s.snap.accessToken = access
	s.snap.refreshToken = refresh
	if user != nil {
		s.snap.user = string(user)
	}
	s.applySinksLocked()

	// Best effort: the tokens above are already committed.
	if refresh == "" {
		if err := s.backend.Delete(ctx, KeyRefreshToken); err != nil {
			s.logger.Warn("dropping persisted refresh token failed", "error", err)
		}
	}
	return nil
}

// SetUser replaces the cached user record. A token must already be present.
func (s *CredentialStore) SetUser(ctx context.Context, user []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.accessToken == "" {
		return ErrNoToken
	}
	if err := s.backend.SetMany(ctx, map[string]string{KeyUser: string(user)}); err != nil {
		return fmt.Errorf("store: write user: %w", err)
	}
	s.snap.user = string(user)
	return nil
}

// SetOrganization replaces the cached organization snapshot.
func (s *CredentialStore) SetOrganization(ctx context.Context, org []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.SetMany(ctx, map[string]string{KeyOrganization: string(org)}); err != nil {
		return fmt.Errorf("store: write organization: %w", err)
	}
	s.snap.organization = string(org)
	return nil
}

// ClearOrganization removes the cached organization snapshot.
func (s *CredentialStore) ClearOrganization(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.organization = ""
	if err := s.backend.Delete(ctx, KeyOrganization); err != nil {
		return fmt.Errorf("store: clear organization: %w", err)
	}
	return nil
}

// ClearAuth removes every auth key and clears the header on every sink.
// Memory and sinks are cleared even when the backend delete fails.
func (s *CredentialStore) ClearAuth(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.Delete(ctx, AuthKeys...)
	s.snap = snapshot{}
	s.applySinksLocked()
	if err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

// applySinksLocked must be called with mu held.
func (s *CredentialStore) applySinksLocked() {
	for _, sink := range s.sinks {
		if s.snap.accessToken == "" {
			sink.ClearAuthorization()
		} else {
			sink.SetAuthorization(s.snap.accessToken)
		}
	}
}

// Tokens returns the access and refresh token as one consistent pair.
func (s *CredentialStore) Tokens() (access, refresh string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.accessToken, s.snap.refreshToken
}

// AccessToken returns the current bridged bearer token.
func (s *CredentialStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.accessToken
}

// LegacyToken returns the value of the legacy alias. It always equals AccessToken.
func (s *CredentialStore) LegacyToken() string {
	return s.AccessToken()
}

// RefreshToken returns the stored refresh token.
func (s *CredentialStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.refreshToken
}

// HasToken reports whether a non-empty access token is stored.
func (s *CredentialStore) HasToken() bool {
	return s.AccessToken() != ""
}

// User returns the serialized user record, or nil.
func (s *CredentialStore) User() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.user == "" {
		return nil
	}
	return []byte(s.snap.user)
}

// Organization returns the serialized organization snapshot, or nil.
func (s *CredentialStore) Organization() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap.organization == "" {
		return nil
	}
	return []byte(s.snap.organization)
}
