package auth

import (
	"context"
	"time"

	"fleetdesk.com/session/auth/identity"
	"fleetdesk.com/session/store"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
)

// refreshTimeout bounds a shared refresh, which no longer follows any single
// caller's context.
const refreshTimeout = 30 * time.Second

// Refresher renews the stored access token. It implements api.Refresher.
//
// A refresh token that differs from the access token was issued by the
// backend and is redeemed there. A missing refresh token, or one equal to the
// access token, came from the fallback path and is renewed by bridging again
// with a newly minted provider token.
type Refresher struct {
	backend  *Backend
	bridge   *Bridge
	provider identity.Provider
	store    *store.CredentialStore
	metrics  *Metrics
	logger   hclog.Logger

	group singleflight.Group
}

func NewRefresher(backend *Backend, bridge *Bridge, provider identity.Provider, creds *store.CredentialStore, metrics *Metrics, logger hclog.Logger) *Refresher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Refresher{
		backend:  backend,
		bridge:   bridge,
		provider: provider,
		store:    creds,
		metrics:  metrics,
		logger:   logger.Named("refresher"),
	}
}

// Refresh returns the new access token after it has been written to the
// store. Concurrent callers share one refresh. A caller whose ctx ends stops
// waiting with ctx.Err(); the shared refresh keeps running for the others.
func (r *Refresher) Refresh(ctx context.Context) (string, error) {
	ch := r.group.DoChan("refresh", func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			r.logger.Trace("joined in-flight refresh")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *Refresher) refresh(ctx context.Context) (string, error) {
	started := time.Now()
	access, refresh := r.store.Tokens()

	if refresh != "" && refresh != access {
		pair, err := r.backend.RefreshToken(ctx, refresh)
		if err == nil {
			if err := r.store.SetTokens(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
				r.metrics.recordRefresh("failure", started)
				return "", ErrRefreshFailed.Wrap(err)
			}
			r.metrics.recordRefresh("backend", started)
			r.logger.Debug("access token refreshed by backend")
			return pair.AccessToken, nil
		}
		r.logger.Warn("backend refresh failed", "error", err)
		if r.provider.CurrentSession() == nil {
			r.metrics.recordRefresh("failure", started)
			return "", ErrRefreshFailed.Wrap(err)
		}
	}

	res, err := r.bridge.Bridge(ctx)
	if err != nil {
		r.metrics.recordRefresh("failure", started)
		return "", ErrRefreshFailed.Wrap(err)
	}
	r.metrics.recordRefresh("rebridge", started)
	r.logger.Debug("access token refreshed by re-bridging", "path", res.Path)
	return res.AccessToken, nil
}
