package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fleetdesk.com/session/api"
	"fleetdesk.com/session/auth"
	"fleetdesk.com/session/auth/identity"
	"fleetdesk.com/session/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// fakeProvider accepts a@b.com / secret and publishes like a real provider.
type fakeProvider struct {
	mu         sync.Mutex
	session    *identity.Session
	token      string
	signOutErr error
	broker     *identity.Broker
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{token: "ID-TOKEN", broker: identity.NewBroker()}
}

func (p *fakeProvider) set(s *identity.Session) {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
	p.broker.Publish(s)
}

func (p *fakeProvider) SignIn(ctx context.Context, email, password string) (*identity.Session, error) {
	if email != "a@b.com" || password != "secret" {
		return nil, identity.NewError(identity.InvalidCredentials, errors.New("INVALID_LOGIN_CREDENTIALS"))
	}
	s := &identity.Session{UID: "uid-1", Email: email, DisplayName: "Ana Lopez"}
	p.set(s)
	return s, nil
}

func (p *fakeProvider) SignUp(ctx context.Context, email, password, displayName string) (*identity.Session, error) {
	if email == "a@b.com" {
		return nil, identity.NewError(identity.EmailInUse, errors.New("EMAIL_EXISTS"))
	}
	s := &identity.Session{UID: "uid-2", Email: email, DisplayName: displayName}
	p.set(s)
	return s, nil
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.set(nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signOutErr
}

func (p *fakeProvider) failSignOut(err error) {
	p.mu.Lock()
	p.signOutErr = err
	p.mu.Unlock()
}

func (p *fakeProvider) CurrentSession() *identity.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *fakeProvider) FreshToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return "", identity.ErrNoActiveSession
	}
	return p.token, nil
}

func (p *fakeProvider) Subscribe() (<-chan identity.Event, func()) {
	return p.broker.Subscribe()
}

// fakeBackend serves the exchange, organization, refresh and logout
// endpoints, and the backend-only login and register endpoints.
type fakeBackend struct {
	mu          sync.Mutex
	accessToken string
	orgStatus   int
	orgBody     string
	logouts     int32
}

func (b *fakeBackend) setOrganization(status int, body string) {
	b.mu.Lock()
	b.orgStatus, b.orgBody = status, body
	b.mu.Unlock()
}

func (b *fakeBackend) setAccessToken(token string) {
	b.mu.Lock()
	b.accessToken = token
	b.mu.Unlock()
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.URL.Path {
	case api.PathTokenExchange:
		w.Write([]byte(`{"success":true,"accessToken":"` + b.accessToken + `","refreshToken":"RT-` + b.accessToken + `"}`))
	case api.PathRefreshToken:
		b.accessToken += "-refreshed"
		w.Write([]byte(`{"success":true,"accessToken":"` + b.accessToken + `"}`))
	case auth.PathCurrentOrganization:
		w.WriteHeader(b.orgStatus)
		w.Write([]byte(b.orgBody))
	case api.PathLogin:
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["password"] != "legacy-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"Invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"success":true,"accessToken":"LEGACY-AT","refreshToken":"LEGACY-RT","user":{"id":"u-legacy","email":"a@b.com"}}`))
	case api.PathRegister:
		w.Write([]byte(`{"success":true,"accessToken":"REGISTER-AT","refreshToken":"REGISTER-RT"}`))
	case auth.PathLogout:
		atomic.AddInt32(&b.logouts, 1)
		w.Write([]byte(`{"success":true}`))
	default:
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	}
}

type harness struct {
	provider   *fakeProvider
	backend    *fakeBackend
	kv         *store.MemoryBackend
	creds      *store.CredentialStore
	apiClient  *api.Client
	authClient *api.Client
	refresher  *auth.Refresher
	metrics    *auth.Metrics
	ctrl       *Controller
}

const activeOrg = `{"success":true,"data":{"id":"org-1","subscription":{"plan":"fleet","status":"active","limits":{"vehicles":2}}}}`

func newHarness(t *testing.T, seed map[string]string) *harness {
	t.Helper()
	h := &harness{
		provider: newFakeProvider(),
		backend:  &fakeBackend{accessToken: "AT1", orgStatus: http.StatusOK, orgBody: activeOrg},
		kv:       store.NewMemoryBackend(),
		metrics:  auth.NewMetrics(prometheus.NewRegistry()),
	}
	srv := httptest.NewServer(h.backend)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	if seed != nil {
		require.NoError(t, h.kv.SetMany(ctx, seed))
	}
	h.creds = store.New(h.kv, nil)
	require.NoError(t, h.creds.Load(ctx))

	h.apiClient = api.New(srv.URL, api.WithName("api"))
	h.authClient = api.New(srv.URL, api.WithName("auth"))
	h.creds.Attach(h.apiClient)
	h.creds.Attach(h.authClient)

	backend := auth.NewBackend(h.apiClient, h.authClient, nil)
	bridge := auth.NewBridge(h.provider, backend, h.creds, h.metrics, nil)
	h.refresher = auth.NewRefresher(backend, bridge, h.provider, h.creds, h.metrics, nil)
	h.apiClient.SetTokenSource(h.creds)
	h.apiClient.SetRefresher(h.refresher)

	h.ctrl = NewController(Config{
		Provider: h.provider,
		Bridge:   bridge,
		Backend:  backend,
		Store:    h.creds,
		Metrics:  h.metrics,
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) settle(t *testing.T) State {
	t.Helper()
	require.Eventually(t, func() bool { return !h.ctrl.State().Loading }, 2*time.Second, 5*time.Millisecond)
	return h.ctrl.State()
}

// waitEvents blocks until the controller has finished handling n events of kind.
func (h *harness) waitEvents(t *testing.T, kind identity.EventKind, n int) {
	t.Helper()
	counter := h.metrics.SessionEvents.WithLabelValues(kind.String())
	require.Eventually(t, func() bool { return testutil.ToFloat64(counter) >= float64(n) }, 2*time.Second, 5*time.Millisecond)
}

// requireConsistent asserts the token alias and every client header match
// the stored access token.
func (h *harness) requireConsistent(t *testing.T) {
	t.Helper()
	access, _ := h.creds.Tokens()
	require.Equal(t, access, h.creds.LegacyToken())
	for _, c := range []*api.Client{h.apiClient, h.authClient} {
		if access == "" {
			require.Empty(t, c.DefaultHeader("Authorization"), c.Name())
		} else {
			require.Equal(t, "Bearer "+access, c.DefaultHeader("Authorization"), c.Name())
		}
	}
	persisted, _, err := h.kv.Get(context.Background(), store.KeyAccessToken)
	require.NoError(t, err)
	legacy, _, err := h.kv.Get(context.Background(), store.KeyLegacyToken)
	require.NoError(t, err)
	require.Equal(t, access, persisted)
	require.Equal(t, persisted, legacy)
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start(context.Background())
	h.settle(t)

	require.True(t, h.ctrl.Login(context.Background(), "a@b.com", "secret"))
	h.waitEvents(t, identity.SignedIn, 1)
	st := h.settle(t)

	require.True(t, st.IsAuthenticated)
	require.Empty(t, st.Error)
	require.Equal(t, "uid-1", st.User.ID)
	require.Equal(t, "user", st.User.Role)
	require.Equal(t, "AT1", h.creds.AccessToken())
	require.Equal(t, "AT1", h.creds.LegacyToken())
	require.Equal(t, auth.StatusActive, st.SubscriptionStatus)
	require.False(t, st.NeedsOrganization)
	h.requireConsistent(t)

	cached, ok, err := h.kv.Get(context.Background(), store.KeyOrganization)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, cached, "org-1")
}

func TestLoginFailureRecordsMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Start(context.Background())
	h.settle(t)

	require.False(t, h.ctrl.Login(context.Background(), "a@b.com", "nope"))
	st := h.settle(t)
	require.False(t, st.IsAuthenticated)
	require.Equal(t, "Invalid email or password", st.Error)
	require.False(t, h.creds.HasToken())
}

func TestHeadersStayConsistentAcrossLoginRefreshLogout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctrl.Start(ctx)
	h.settle(t)
	h.requireConsistent(t)

	require.True(t, h.ctrl.Login(ctx, "a@b.com", "secret"))
	h.waitEvents(t, identity.SignedIn, 1)
	h.settle(t)
	h.requireConsistent(t)

	_, err := h.refresher.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "AT1-refreshed", h.creds.AccessToken())
	h.requireConsistent(t)

	require.True(t, h.ctrl.RefreshUserData(ctx))
	h.settle(t)
	h.requireConsistent(t)

	require.True(t, h.ctrl.Logout(ctx))
	h.waitEvents(t, identity.SignedOut, 2)
	require.False(t, h.creds.HasToken())
	h.settle(t)
	h.requireConsistent(t)
}

func TestOrganizationNotFoundIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.setOrganization(http.StatusNotFound, `{"success":false,"message":"No organization"}`)
	h.provider.session = &identity.Session{UID: "uid-1", Email: "a@b.com"}

	require.True(t, h.ctrl.CheckAuthStatus(context.Background()))
	st := h.ctrl.State()
	require.False(t, st.Loading)
	require.True(t, st.IsAuthenticated)
	require.Nil(t, st.Organization)
	require.True(t, st.NeedsOrganization)
	require.Empty(t, st.Error)
	require.False(t, h.ctrl.HasActiveSubscription())
}

func TestOrganizationFetchFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.setOrganization(http.StatusInternalServerError, ``)
	h.provider.session = &identity.Session{UID: "uid-1", Email: "a@b.com"}

	require.True(t, h.ctrl.CheckAuthStatus(context.Background()))
	st := h.ctrl.State()
	require.Nil(t, st.Organization)
	require.False(t, st.NeedsOrganization)
	require.Empty(t, st.Error)
	require.Equal(t, auth.StatusUnknown, st.SubscriptionStatus)
}

func TestLogoutClearsEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctrl.Start(ctx)
	require.True(t, h.ctrl.Login(ctx, "a@b.com", "secret"))
	h.waitEvents(t, identity.SignedIn, 1)
	h.settle(t)
	require.NotEmpty(t, h.kv.Keys())

	require.True(t, h.ctrl.Logout(ctx))
	require.Nil(t, h.ctrl.State().Organization)

	require.Eventually(t, func() bool {
		st := h.ctrl.State()
		return !st.IsAuthenticated && st.User == nil && len(h.kv.Keys()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	for _, k := range store.AuthKeys {
		_, ok, err := h.kv.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok, k)
	}
	require.Empty(t, h.apiClient.DefaultHeader("Authorization"))
	require.Empty(t, h.authClient.DefaultHeader("Authorization"))
	require.EqualValues(t, 1, atomic.LoadInt32(&h.backend.logouts))
}

func TestLogoutClearsOrganizationEvenWhenSignOutFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctrl.Start(ctx)
	require.True(t, h.ctrl.Login(ctx, "a@b.com", "secret"))
	h.waitEvents(t, identity.SignedIn, 1)
	h.settle(t)

	h.provider.failSignOut(errors.New("network down"))
	require.False(t, h.ctrl.Logout(ctx))
	st := h.ctrl.State()
	require.Nil(t, st.Organization)
	require.Equal(t, auth.StatusUnknown, st.SubscriptionStatus)
}

func TestSignupDefersToSessionEvent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctrl.Start(ctx)
	h.settle(t)

	ok := h.ctrl.Signup(ctx, SignupRequest{FirstName: "Ben", LastName: "Ortiz", Email: "ben@fleet.io", Password: "secret1"})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		st := h.ctrl.State()
		return st.IsAuthenticated && st.User != nil && !st.Loading
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "Ben Ortiz", h.ctrl.State().User.FullName)
	h.requireConsistent(t)
}

func TestSignupRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SignupRequest
		want string
	}{
		{"short password", SignupRequest{FirstName: "A", LastName: "B", Email: "x@fleet.io", Password: "123"}, "Password must be at least 6 characters"},
		{"bad email", SignupRequest{FirstName: "A", LastName: "B", Email: "nope", Password: "secret1"}, "The email address is not valid"},
		{"missing name", SignupRequest{LastName: "B", Email: "x@fleet.io", Password: "secret1"}, "FirstName is required"},
		{"email in use", SignupRequest{FirstName: "A", LastName: "B", Email: "a@b.com", Password: "secret1"}, "An account with this email already exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.False(t, h.ctrl.Signup(ctx, tt.req))
			require.Equal(t, tt.want, h.ctrl.State().Error)
			require.False(t, h.ctrl.State().Loading)
		})
	}
}

func TestBootFromStoredToken(t *testing.T) {
	h := newHarness(t, map[string]string{
		store.KeyAccessToken:  "AT-STORED",
		store.KeyLegacyToken:  "AT-STORED",
		store.KeyUser:         `{"id":"uid-1","email":"a@b.com","fullName":"Ana","role":"user"}`,
		store.KeyOrganization: `{"id":"org-1","subscription":{"plan":"fleet","status":"expired","limits":{"vehicles":5}}}`,
	})

	st := h.ctrl.State()
	require.True(t, st.IsAuthenticated)
	require.Equal(t, "uid-1", st.User.ID)
	require.Equal(t, auth.StatusExpired, st.SubscriptionStatus)
	require.Equal(t, "Bearer AT-STORED", h.apiClient.DefaultHeader("Authorization"))
}

func TestBootWithoutProviderSessionSignsOut(t *testing.T) {
	h := newHarness(t, map[string]string{
		store.KeyAccessToken: "AT-STORED",
		store.KeyUser:        `{"id":"uid-1"}`,
	})
	require.True(t, h.ctrl.State().IsAuthenticated)

	h.ctrl.Start(context.Background())
	st := h.settle(t)
	require.False(t, st.IsAuthenticated)
	require.Nil(t, st.User)
	require.Empty(t, h.kv.Keys())
	h.requireConsistent(t)
}

func TestBootWithProviderSessionBridges(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.set(&identity.Session{UID: "uid-1", Email: "a@b.com"})

	h.ctrl.Start(context.Background())
	st := h.settle(t)
	require.True(t, st.IsAuthenticated)
	require.Equal(t, "AT1", h.creds.AccessToken())
	require.Equal(t, auth.StatusActive, st.SubscriptionStatus)
}

func TestConcurrentOperationsNeverLeaveLoadingStuck(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.ctrl.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); h.ctrl.Login(ctx, "a@b.com", "secret") }()
		go func() { defer wg.Done(); h.ctrl.CheckAuthStatus(ctx) }()
		go func() { defer wg.Done(); h.ctrl.Login(ctx, "a@b.com", "wrong") }()
	}
	wg.Wait()

	h.waitEvents(t, identity.SignedIn, 5)
	st := h.settle(t)
	require.False(t, st.Loading)
	h.requireConsistent(t)
}

func TestExpiringTokenIsRefreshedBeforeRequest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	h.backend.setAccessToken("AT-NEW")
	require.NoError(t, h.creds.SetTokens(ctx, expiring, "RT-1"))

	seen := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	vehicles := api.New(srv.URL, api.WithName("vehicles"), api.WithTokenSource(h.creds), api.WithRefresher(h.refresher))
	h.creds.Attach(vehicles)
	require.NoError(t, vehicles.Get(ctx, "/api/vehicles", nil))
	require.Equal(t, "Bearer AT-NEW-refreshed", <-seen)
	require.Equal(t, "AT-NEW-refreshed", h.creds.AccessToken())
	h.requireConsistent(t)
}

func TestVehicleLimitGating(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.session = &identity.Session{UID: "uid-1", Email: "a@b.com"}
	require.True(t, h.ctrl.CheckAuthStatus(context.Background()))

	require.True(t, h.ctrl.HasActiveSubscription())
	require.True(t, h.ctrl.CanAddVehicle(1))
	require.False(t, h.ctrl.CanAddVehicle(2))

	h.backend.setOrganization(http.StatusOK, `{"success":true,"data":{"subscription":{"plan":"enterprise","status":"active","limits":{"vehicles":0}}}}`)
	require.True(t, h.ctrl.RefreshUserData(context.Background()))
	require.True(t, h.ctrl.CanAddVehicle(500))

	h.backend.setOrganization(http.StatusOK, `{"success":true,"data":{"subscription":{"plan":"fleet","status":"cancelled","limits":{"vehicles":10}}}}`)
	require.True(t, h.ctrl.RefreshUserData(context.Background()))
	require.False(t, h.ctrl.HasActiveSubscription())
	require.False(t, h.ctrl.CanAddVehicle(0))
}

func TestCloseWithoutStart(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.Close()
	h.ctrl.Start(context.Background())
	require.False(t, h.ctrl.State().Loading)
}

func TestLegacyLoginAndRegister(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.False(t, h.ctrl.LegacyLogin(ctx, "a@b.com", "wrong"))
	require.Equal(t, "Invalid credentials", h.ctrl.State().Error)
	require.False(t, h.creds.HasToken())

	require.True(t, h.ctrl.LegacyLogin(ctx, "a@b.com", "legacy-secret"))
	st := h.settle(t)
	require.True(t, st.IsAuthenticated)
	require.Empty(t, st.Error)
	require.Equal(t, "u-legacy", st.User.ID)
	require.Equal(t, auth.DefaultRole, st.User.Role)
	require.Equal(t, auth.StatusActive, st.SubscriptionStatus)
	require.Equal(t, "LEGACY-AT", h.creds.AccessToken())
	require.Equal(t, "LEGACY-RT", h.creds.RefreshToken())
	h.requireConsistent(t)

	require.False(t, h.ctrl.Register(ctx, SignupRequest{FirstName: "Ana", Email: "new@b.com", Password: "secret1"}))
	require.Equal(t, "LastName is required", h.ctrl.State().Error)
	require.Equal(t, "LEGACY-AT", h.creds.AccessToken())

	require.True(t, h.ctrl.Register(ctx, SignupRequest{FirstName: "Ana", LastName: "Lopez", Email: "new@b.com", Password: "secret1"}))
	st = h.settle(t)
	require.True(t, st.IsAuthenticated)
	require.Equal(t, "new@b.com", st.User.Email)
	require.Equal(t, "REGISTER-AT", h.creds.AccessToken())
	h.requireConsistent(t)
}
