package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	header string
}

func (r *recordingSink) SetAuthorization(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header = "Bearer " + token
}

func (r *recordingSink) ClearAuthorization() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.header = ""
}

func (r *recordingSink) Header() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

func backendValue(t *testing.T, b Backend, key string) string {
	t.Helper()
	v, _, err := b.Get(context.Background(), key)
	require.NoError(t, err)
	return v
}

func TestSetTokensUpdatesAliasAndEverySink(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend, nil)

	api, auth := &recordingSink{}, &recordingSink{}
	s.Attach(api)
	s.Attach(auth)

	require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))

	require.Equal(t, "AT1", backendValue(t, backend, KeyAccessToken))
	require.Equal(t, "AT1", backendValue(t, backend, KeyLegacyToken))
	require.Equal(t, "RT1", backendValue(t, backend, KeyRefreshToken))
	require.Equal(t, "Bearer AT1", api.Header())
	require.Equal(t, "Bearer AT1", auth.Header())

	require.NoError(t, s.SetTokens(ctx, "AT2", ""))
	require.Equal(t, "AT2", backendValue(t, backend, KeyLegacyToken))
	_, ok, _ := backend.Get(ctx, KeyRefreshToken)
	require.False(t, ok)
	require.Equal(t, "Bearer AT2", api.Header())
	require.Equal(t, "Bearer AT2", auth.Header())
}

type failingDeleteBackend struct {
	*MemoryBackend
}

func (b failingDeleteBackend) Delete(ctx context.Context, keys ...string) error {
	return fmt.Errorf("backend unavailable")
}

func TestFailedRefreshTokenDeleteStillCommitsAccessToken(t *testing.T) {
	ctx := context.Background()
	backend := failingDeleteBackend{NewMemoryBackend()}
	s := New(backend, nil)
	sink := &recordingSink{}
	s.Attach(sink)

	require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))
	require.NoError(t, s.SetTokens(ctx, "AT2", ""))

	require.Equal(t, "AT2", backendValue(t, backend, KeyAccessToken))
	require.Equal(t, "AT2", s.AccessToken())
	require.Equal(t, "AT2", s.LegacyToken())
	require.Equal(t, "", s.RefreshToken())
	require.Equal(t, "Bearer AT2", sink.Header())
}

func TestAttachAppliesCurrentHeader(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	require.NoError(t, s.SetTokens(context.Background(), "AT1", "RT1"))

	late := &recordingSink{}
	s.Attach(late)
	require.Equal(t, "Bearer AT1", late.Header())
}

func TestSetTokensRejectsEmptyAccessToken(t *testing.T) {
	s := New(NewMemoryBackend(), nil)
	require.ErrorIs(t, s.SetTokens(context.Background(), "", "RT"), ErrEmptyToken)
}

func TestSetUserRequiresToken(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryBackend(), nil)
	require.ErrorIs(t, s.SetUser(ctx, []byte(`{"id":"u1"}`)), ErrNoToken)

	require.NoError(t, s.SetAuthenticated(ctx, "AT1", "RT1", []byte(`{"id":"u1"}`)))
	require.JSONEq(t, `{"id":"u1"}`, string(s.User()))
	require.NoError(t, s.SetUser(ctx, []byte(`{"id":"u2"}`)))
	require.JSONEq(t, `{"id":"u2"}`, string(s.User()))
}

func TestClearAuthRemovesEverything(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend, nil)
	sink := &recordingSink{}
	s.Attach(sink)

	require.NoError(t, s.SetAuthenticated(ctx, "AT1", "RT1", []byte(`{"id":"u1"}`)))
	require.NoError(t, s.SetOrganization(ctx, []byte(`{"id":"o1"}`)))
	require.NoError(t, backend.SetMany(ctx, map[string]string{"firebase:authUser": "kept"}))

	require.NoError(t, s.ClearAuth(ctx))

	require.ElementsMatch(t, []string{"firebase:authUser"}, backend.Keys())
	require.False(t, s.HasToken())
	require.Nil(t, s.User())
	require.Nil(t, s.Organization())
	require.Empty(t, sink.Header())
}

func TestLoadPromotesLegacyAlias(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.SetMany(ctx, map[string]string{KeyLegacyToken: "OLD", KeyUser: `{"id":"u1"}`}))

	s := New(backend, nil)
	sink := &recordingSink{}
	s.Attach(sink)
	require.NoError(t, s.Load(ctx))

	require.Equal(t, "OLD", s.AccessToken())
	require.Equal(t, "OLD", backendValue(t, backend, KeyAccessToken))
	require.Equal(t, "Bearer OLD", sink.Header())
}

func TestLoadRepairsDivergedAlias(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.SetMany(ctx, map[string]string{KeyAccessToken: "NEW", KeyLegacyToken: "OLD"}))

	s := New(backend, nil)
	require.NoError(t, s.Load(ctx))
	require.Equal(t, "NEW", backendValue(t, backend, KeyLegacyToken))
}

func TestConcurrentWritesKeepAliasInSync(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := New(backend, nil)
	sinks := []*recordingSink{{}, {}, {}}
	for _, sink := range sinks {
		s.Attach(sink)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("AT%d", i)
			assert.NoError(t, s.SetTokens(ctx, token, token))
			access, refresh := s.Tokens()
			assert.Equal(t, access, refresh)
		}(i)
	}
	wg.Wait()

	access := s.AccessToken()
	require.Equal(t, access, backendValue(t, backend, KeyAccessToken))
	require.Equal(t, access, backendValue(t, backend, KeyLegacyToken))
	for _, sink := range sinks {
		require.Equal(t, "Bearer "+access, sink.Header())
	}
}

func TestSealedBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBackend()
	sealed, err := NewSealedBackend(inner, "0123456789abcdef-secret")
	require.NoError(t, err)

	require.NoError(t, sealed.SetMany(ctx, map[string]string{KeyAccessToken: "AT1"}))

	raw := backendValue(t, inner, KeyAccessToken)
	require.NotEqual(t, "AT1", raw)

	v, ok, err := sealed.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "AT1", v)

	other, err := NewSealedBackend(inner, "another-secret-entirely")
	require.NoError(t, err)
	_, _, err = other.Get(ctx, KeyAccessToken)
	require.ErrorIs(t, err, ErrSealedValue)

	_, err = NewSealedBackend(inner, "short")
	require.Error(t, err)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	backend, err := NewRedisBackend(ctx, addr, os.Getenv("REDIS_PASSWORD"), "fleetdesk:test:")
	require.NoError(t, err)
	defer backend.Close()

	s := New(backend, nil)
	require.NoError(t, s.SetTokens(ctx, "AT1", "RT1"))

	reloaded := New(backend, nil)
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, "AT1", reloaded.AccessToken())
	require.Equal(t, "RT1", reloaded.RefreshToken())

	require.NoError(t, reloaded.ClearAuth(ctx))
	_, ok, err := backend.Get(ctx, KeyAccessToken)
	require.NoError(t, err)
	require.False(t, ok)
}
