// Package session is the orchestration layer UI code talks to. It tracks who
// is signed in and which organization they belong to, and reacts to sign-in
// and sign-out events from the identity provider.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"fleetdesk.com/session/api"
	"fleetdesk.com/session/auth"
	"fleetdesk.com/session/auth/identity"
	"fleetdesk.com/session/store"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-hclog"
)

const genericFailure = "Authentication failed, please try again"

// State is a snapshot of the session.
type State struct {
	User               *auth.User              `json:"user"`
	IsAuthenticated    bool                    `json:"isAuthenticated"`
	Loading            bool                    `json:"loading"`
	Organization       *auth.Organization      `json:"organization"`
	SubscriptionStatus auth.SubscriptionStatus `json:"subscriptionStatus"`
	NeedsOrganization  bool                    `json:"needsOrganization"`
	Error              string                  `json:"error,omitempty"`
}

// SignupRequest is the input of Signup.
type SignupRequest struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6"`
}

// Config wires a Controller.
type Config struct {
	Provider identity.Provider
	Bridge   *auth.Bridge
	Backend  *auth.Backend
	Store    *store.CredentialStore
	Metrics  *auth.Metrics
	Logger   hclog.Logger
}

// Controller owns the session state. Operations never return errors; the
// user-facing failure is recorded in State.Error.
//
// Operations and provider events are not serialized against each other: the
// last one to finish decides the state. Loading stays true while any of them
// is running.
type Controller struct {
	provider identity.Provider
	bridge   *auth.Bridge
	backend  *auth.Backend
	store    *store.CredentialStore
	metrics  *auth.Metrics
	logger   hclog.Logger
	validate *validator.Validate

	mu       sync.RWMutex
	state    State
	inflight int

	startOnce   sync.Once
	closeOnce   sync.Once
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// NewController restores the last known state from the credential store. A
// stored token counts as authenticated until the provider says otherwise.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Controller{
		provider: cfg.Provider,
		bridge:   cfg.Bridge,
		backend:  cfg.Backend,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger.Named("session"),
		validate: validator.New(),
		done:     make(chan struct{}),
	}

	c.state.IsAuthenticated = cfg.Store.HasToken()
	c.state.SubscriptionStatus = auth.StatusUnknown
	if raw := cfg.Store.User(); len(raw) > 0 {
		var u auth.User
		if err := json.Unmarshal(raw, &u); err == nil {
			c.state.User = &u
		}
	}
	if raw := cfg.Store.Organization(); len(raw) > 0 {
		var org auth.Organization
		if err := json.Unmarshal(raw, &org); err == nil {
			c.state.Organization = &org
			c.state.SubscriptionStatus = org.Status()
		}
	}
	return c
}

// Start subscribes to provider events. The first event is the provider's
// current state; Loading stays true until it has been reconciled.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		var events <-chan identity.Event
		events, c.unsubscribe = c.provider.Subscribe()

		c.begin()
		go c.loop(ctx, events)
	})
}

func (c *Controller) loop(ctx context.Context, events <-chan identity.Event) {
	defer close(c.done)
	booting := true
	defer func() {
		if booting {
			c.end()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, ev)
			if booting {
				booting = false
				c.end()
			}
		}
	}
}

// Close stops the event loop and waits for it to exit.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		// A Start after Close is a no-op.
		c.startOnce.Do(func() {})
		if c.cancel == nil {
			return
		}
		c.cancel()
		c.unsubscribe()
		<-c.done
	})
}

func (c *Controller) handleEvent(ctx context.Context, ev identity.Event) {
	defer c.metrics.RecordSessionEvent(ev.Kind.String())
	switch ev.Kind {
	case identity.SignedIn:
		c.logger.Debug("provider signed in", "uid", ev.Session.UID)
		c.CheckAuthStatus(ctx)
	case identity.SignedOut:
		c.logger.Debug("provider signed out")
		c.signedOut(ctx)
	}
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.Loading = c.inflight > 0
	return s
}

// CheckAuthStatus bridges the provider session if there is one and clears
// everything otherwise. It reports whether the user ends up authenticated.
func (c *Controller) CheckAuthStatus(ctx context.Context) bool {
	c.begin()
	defer c.end()

	if c.provider.CurrentSession() == nil {
		c.signedOut(ctx)
		return false
	}

	res, err := c.bridge.Bridge(ctx)
	if err != nil {
		c.logger.Error("bridging session failed", "error", err)
		c.fail(err)
		return false
	}
	c.authenticated(res.User)
	c.loadOrganization(ctx)
	return true
}

// Login signs in with the provider and bridges the new session.
func (c *Controller) Login(ctx context.Context, email, password string) bool {
	c.begin()
	defer c.end()
	c.setError("")

	if _, err := c.provider.SignIn(ctx, email, password); err != nil {
		c.logger.Info("sign in rejected", "email", email, "code", identity.CodeOf(err))
		c.fail(err)
		return false
	}

	res, err := c.bridge.Bridge(ctx)
	if err != nil {
		c.logger.Error("bridging after sign in failed", "error", err)
		c.fail(err)
		return false
	}
	c.authenticated(res.User)
	c.loadOrganization(ctx)
	return true
}

// Signup creates the provider account. The resulting sign-in event
// populates the session; the return value only reflects account creation.
func (c *Controller) Signup(ctx context.Context, req SignupRequest) bool {
	c.begin()
	defer c.end()
	c.setError("")

	if err := c.validate.Struct(&req); err != nil {
		c.setError(validationMessage(err))
		return false
	}

	displayName := strings.TrimSpace(req.FirstName + " " + req.LastName)
	if _, err := c.provider.SignUp(ctx, req.Email, req.Password, displayName); err != nil {
		c.logger.Info("sign up rejected", "email", req.Email, "code", identity.CodeOf(err))
		c.fail(err)
		return false
	}
	return true
}

// LegacyLogin signs in with backend credentials only. There is no provider
// session behind it, so it ends at the next provider check or restart.
func (c *Controller) LegacyLogin(ctx context.Context, email, password string) bool {
	c.begin()
	defer c.end()
	c.setError("")

	res, err := c.bridge.LegacyLogin(ctx, email, password)
	if err != nil {
		c.logger.Info("legacy sign in rejected", "email", email, "error", err)
		c.fail(err)
		return false
	}
	c.authenticated(res.User)
	c.loadOrganization(ctx)
	return true
}

// Register creates a backend account directly and signs it in.
func (c *Controller) Register(ctx context.Context, req SignupRequest) bool {
	c.begin()
	defer c.end()
	c.setError("")

	if err := c.validate.Struct(&req); err != nil {
		c.setError(validationMessage(err))
		return false
	}

	res, err := c.bridge.Register(ctx, auth.RegisterRequest{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		c.logger.Info("registration rejected", "email", req.Email, "error", err)
		c.fail(err)
		return false
	}
	c.authenticated(res.User)
	c.loadOrganization(ctx)
	return true
}

// Logout signs out of the provider. Organization state is cleared right
// away; credentials and user are cleared by the resulting sign-out event.
func (c *Controller) Logout(ctx context.Context) bool {
	c.begin()
	defer c.end()

	if c.backend != nil && c.store.HasToken() {
		c.backend.Logout(ctx)
	}

	err := c.provider.SignOut(ctx)
	if err != nil {
		c.logger.Warn("provider sign out failed", "error", err)
	}

	c.mu.Lock()
	c.state.Organization = nil
	c.state.SubscriptionStatus = auth.StatusUnknown
	c.state.NeedsOrganization = false
	c.mu.Unlock()
	if serr := c.store.ClearOrganization(ctx); serr != nil {
		c.logger.Warn("clearing cached organization failed", "error", serr)
	}
	return err == nil
}

// RefreshUserData re-runs the bridge and the organization fetch.
func (c *Controller) RefreshUserData(ctx context.Context) bool {
	c.begin()
	defer c.end()

	res, err := c.bridge.Bridge(ctx)
	if err != nil {
		c.logger.Warn("refreshing user data failed", "error", err)
		c.fail(err)
		return false
	}
	c.authenticated(res.User)
	c.loadOrganization(ctx)
	return true
}

// HasActiveSubscription reports whether the organization may use paid features.
func (c *Controller) HasActiveSubscription() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Organization != nil && c.state.SubscriptionStatus == auth.StatusActive
}

// CanAddVehicle reports whether one more vehicle fits the plan's limit.
func (c *Controller) CanAddVehicle(current int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	org := c.state.Organization
	if org == nil || c.state.SubscriptionStatus != auth.StatusActive {
		return false
	}
	limit := org.Subscription.Limits.Vehicles
	return limit <= 0 || current < limit
}

func (c *Controller) loadOrganization(ctx context.Context) {
	org, err := c.backend.CurrentOrganization(ctx)
	switch {
	case err == nil:
		c.mu.Lock()
		c.state.Organization = org
		c.state.SubscriptionStatus = org.Status()
		c.state.NeedsOrganization = false
		c.mu.Unlock()
		raw, _ := json.Marshal(org)
		if err := c.store.SetOrganization(ctx, raw); err != nil {
			c.logger.Warn("caching organization failed", "error", err)
		}
	case errors.Is(err, auth.ErrNoOrganization):
		c.logger.Info("user has no organization yet")
		c.mu.Lock()
		c.state.Organization = nil
		c.state.SubscriptionStatus = auth.StatusUnknown
		c.state.NeedsOrganization = true
		c.mu.Unlock()
		if err := c.store.ClearOrganization(ctx); err != nil {
			c.logger.Warn("clearing cached organization failed", "error", err)
		}
	default:
		c.logger.Warn("fetching organization failed", "error", err)
		c.mu.Lock()
		c.state.Organization = nil
		c.state.SubscriptionStatus = auth.StatusUnknown
		c.mu.Unlock()
	}
}

func (c *Controller) authenticated(user *auth.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.User = user
	c.state.IsAuthenticated = true
	c.state.Error = ""
}

func (c *Controller) signedOut(ctx context.Context) {
	if err := c.store.ClearAuth(ctx); err != nil {
		c.logger.Warn("clearing credentials failed", "error", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.User = nil
	c.state.IsAuthenticated = false
	c.state.Organization = nil
	c.state.SubscriptionStatus = auth.StatusUnknown
	c.state.NeedsOrganization = false
}

func (c *Controller) begin() {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()
}

func (c *Controller) end() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.state.Error = msg
	c.mu.Unlock()
}

func (c *Controller) fail(err error) {
	c.setError(userMessage(err))
}

// userMessage picks the most specific user-facing message carried by err.
func userMessage(err error) string {
	var idErr *identity.Error
	if errors.As(err, &idErr) {
		return idErr.Message
	}
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if apiErr.Kind == api.KindSessionExpired {
			return "Your session has expired, please sign in again"
		}
		return apiErr.Message
	}
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	if errors.Is(err, identity.ErrNoActiveSession) {
		return "Please sign in to continue"
	}
	return genericFailure
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid sign up details"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "The email address is not valid"
	case "min":
		return fe.Field() + " must be at least " + fe.Param() + " characters"
	default:
		return fe.Field() + " is invalid"
	}
}
