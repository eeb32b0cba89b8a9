package auth

import (
	"context"
	"encoding/json"
	"fmt"

	"fleetdesk.com/session/auth/identity"
	"fleetdesk.com/session/store"
	"github.com/hashicorp/go-hclog"
)

// BridgePath records how a token pair was obtained.
type BridgePath string

const (
	// PathExchange: the backend issued its own token for the provider token.
	PathExchange BridgePath = "exchange"
	// PathFallback: the provider token is used directly as the bearer token.
	PathFallback BridgePath = "fallback"
	// PathLegacy: direct backend login or registration.
	PathLegacy BridgePath = "legacy"
)

// BridgeResult is the outcome of a successful bridge.
type BridgeResult struct {
	AccessToken  string
	RefreshToken string
	User         *User
	Path         BridgePath
}

// Bridge converts the provider session into a backend bearer token and
// commits it to the credential store.
type Bridge struct {
	provider identity.Provider
	backend  *Backend
	store    *store.CredentialStore
	metrics  *Metrics
	logger   hclog.Logger
}

func NewBridge(provider identity.Provider, backend *Backend, creds *store.CredentialStore, metrics *Metrics, logger hclog.Logger) *Bridge {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bridge{
		provider: provider,
		backend:  backend,
		store:    creds,
		metrics:  metrics,
		logger:   logger.Named("bridge"),
	}
}

// Bridge exchanges a freshly minted provider token at the backend. If the
// exchange fails for any reason the provider token itself becomes the token
// pair. Only a failure to mint the provider token or to write the store is
// returned.
func (b *Bridge) Bridge(ctx context.Context) (*BridgeResult, error) {
	sess := b.provider.CurrentSession()
	if sess == nil {
		return nil, ErrNoActiveSession
	}

	res, err := b.exchange(ctx, sess)
	if err != nil {
		b.logger.Warn("token exchange unavailable, using provider token", "uid", sess.UID, "error", err)
		res, err = b.fallback(ctx, sess)
		if err != nil {
			return nil, fmt.Errorf("auth: bridge: %w", err)
		}
	}

	if err := b.commit(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Bridge) exchange(ctx context.Context, sess *identity.Session) (*BridgeResult, error) {
	idToken, err := b.provider.FreshToken(ctx, true)
	if err != nil {
		return nil, err
	}
	pair, err := b.backend.Exchange(ctx, ExchangeRequest{
		FirebaseToken: idToken,
		Email:         sess.Email,
		UID:           sess.UID,
		DisplayName:   sess.DisplayName,
	})
	if err != nil {
		return nil, err
	}

	user := pair.User
	if user == nil {
		user = userFromSession(sess)
	}
	return &BridgeResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
		Path:         PathExchange,
	}, nil
}

func (b *Bridge) fallback(ctx context.Context, sess *identity.Session) (*BridgeResult, error) {
	idToken, err := b.provider.FreshToken(ctx, true)
	if err != nil {
		return nil, err
	}
	return &BridgeResult{
		AccessToken:  idToken,
		RefreshToken: idToken,
		User:         userFromSession(sess),
		Path:         PathFallback,
	}, nil
}

// LegacyLogin signs in against the backend directly, bypassing the provider.
func (b *Bridge) LegacyLogin(ctx context.Context, email, password string) (*BridgeResult, error) {
	pair, err := b.backend.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return b.commitPair(ctx, pair, email)
}

// Register creates a backend account directly and signs it in.
func (b *Bridge) Register(ctx context.Context, req RegisterRequest) (*BridgeResult, error) {
	pair, err := b.backend.Register(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.commitPair(ctx, pair, req.Email)
}

func (b *Bridge) commitPair(ctx context.Context, pair *TokenPair, email string) (*BridgeResult, error) {
	user := pair.User
	if user == nil {
		user = &User{Email: email, Role: DefaultRole}
	}
	res := &BridgeResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
		Path:         PathLegacy,
	}
	if err := b.commit(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *Bridge) commit(ctx context.Context, res *BridgeResult) error {
	raw, err := json.Marshal(res.User)
	if err != nil {
		return fmt.Errorf("auth: encode user: %w", err)
	}
	if err := b.store.SetAuthenticated(ctx, res.AccessToken, res.RefreshToken, raw); err != nil {
		return fmt.Errorf("auth: store tokens: %w", err)
	}
	b.metrics.recordBridge(res.Path)
	b.logger.Debug("session bridged", "path", res.Path, "user", res.User.ID)
	return nil
}
