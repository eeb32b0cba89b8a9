package auth

import (
	"context"
	"errors"

	"fleetdesk.com/session/api"
	"github.com/hashicorp/go-hclog"
)

// Backend endpoints that are not auth-exempt.
const (
	PathCurrentOrganization = "/api/organization/current"
	PathLogout              = "/api/auth/logout"
)

// ExchangeRequest is the body of the token exchange call.
type ExchangeRequest struct {
	FirebaseToken string `json:"firebaseToken"`
	Email         string `json:"email"`
	UID           string `json:"uid"`
	DisplayName   string `json:"displayName"`
}

// RegisterRequest is the body of the direct registration call.
type RegisterRequest struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6"`
	Role      string `json:"role,omitempty"`
}

// TokenPair is what the backend issues on exchange, login, register and refresh.
// User is nil when the backend did not return one.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	User         *User
}

type tokenEnvelope struct {
	Success      bool         `json:"success"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         *backendUser `json:"user"`
	Message      string       `json:"message"`
	Error        string       `json:"error"`
}

func (e *tokenEnvelope) pair(rejected *AuthError) (*TokenPair, error) {
	if !e.Success || e.AccessToken == "" {
		msg := e.Message
		if msg == "" {
			msg = e.Error
		}
		if msg == "" {
			msg = rejected.Message
		}
		return nil, &AuthError{Type: rejected.Type, Message: msg, Code: rejected.Code}
	}
	return &TokenPair{
		AccessToken:  e.AccessToken,
		RefreshToken: e.RefreshToken,
		User:         e.User.toUser(),
	}, nil
}

type organizationEnvelope struct {
	Success bool          `json:"success"`
	Data    *Organization `json:"data"`
	Message string        `json:"message"`
}

// Backend calls the application backend. Auth endpoints go through authClient,
// everything else through apiClient; both must be attached to the credential store.
type Backend struct {
	apiClient  *api.Client
	authClient *api.Client
	logger     hclog.Logger
}

// NewBackend creates a Backend. authClient may be the same client as apiClient.
func NewBackend(apiClient, authClient *api.Client, logger hclog.Logger) *Backend {
	if authClient == nil {
		authClient = apiClient
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{apiClient: apiClient, authClient: authClient, logger: logger.Named("backend")}
}

// Exchange trades a provider ID token for a backend token pair.
func (b *Backend) Exchange(ctx context.Context, req ExchangeRequest) (*TokenPair, error) {
	var env tokenEnvelope
	if err := b.authClient.Post(ctx, api.PathTokenExchange, req, &env); err != nil {
		return nil, err
	}
	return env.pair(ErrExchangeRejected)
}

// Login is the legacy direct credential path.
func (b *Backend) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	var env tokenEnvelope
	body := map[string]string{"email": email, "password": password}
	if err := b.authClient.Post(ctx, api.PathLogin, body, &env); err != nil {
		return nil, err
	}
	return env.pair(ErrRequestRejected)
}

func (b *Backend) Register(ctx context.Context, req RegisterRequest) (*TokenPair, error) {
	if req.Role == "" {
		req.Role = DefaultRole
	}
	var env tokenEnvelope
	if err := b.authClient.Post(ctx, api.PathRegister, req, &env); err != nil {
		return nil, err
	}
	return env.pair(ErrRequestRejected)
}

// RefreshToken redeems a backend-issued refresh token. The returned pair keeps
// refresh unchanged when the backend does not rotate it.
func (b *Backend) RefreshToken(ctx context.Context, refresh string) (*TokenPair, error) {
	var env tokenEnvelope
	body := map[string]string{"refreshToken": refresh}
	if err := b.authClient.Post(ctx, api.PathRefreshToken, body, &env); err != nil {
		return nil, err
	}
	pair, err := env.pair(ErrRefreshFailed)
	if err != nil {
		return nil, err
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refresh
	}
	return pair, nil
}

// CurrentOrganization fetches the user's organization once. A 404 is
// reported as ErrNoOrganization.
func (b *Backend) CurrentOrganization(ctx context.Context) (*Organization, error) {
	var env organizationEnvelope
	if err := b.apiClient.Get(ctx, PathCurrentOrganization, &env); err != nil {
		if api.IsNotFound(err) {
			return nil, ErrNoOrganization.Wrap(err)
		}
		return nil, err
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = ErrRequestRejected.Message
		}
		return nil, NewAuthError(ErrRequestRejected.Type, msg, ErrRequestRejected.Code)
	}
	if env.Data == nil {
		return nil, ErrNoOrganization
	}
	return env.Data, nil
}

// Logout asks the backend to invalidate the session. Failures are logged only.
func (b *Backend) Logout(ctx context.Context) {
	err := b.apiClient.Post(ctx, PathLogout, nil, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Debug("backend logout failed", "error", err)
	}
}
