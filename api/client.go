// Package api is the HTTP client layer of the dashboard. Each Client holds
// its own default headers; the credential store keeps the Authorization
// header of every attached client in step with the stored token.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// Endpoints that never go through the token interceptors.
const (
	PathLogin         = "/api/auth/login"
	PathRegister      = "/api/auth/register"
	PathRefreshToken  = "/api/auth/refresh-token"
	PathTokenExchange = "/api/auth/firebase-exchange"
)

// DefaultLookahead is how close to expiry a token is refreshed before use.
const DefaultLookahead = 5 * time.Minute

// TokenSource exposes the current bearer token.
type TokenSource interface {
	AccessToken() string
}

// Refresher obtains a new access token. Implementations publish the token to
// the defaults of every client themselves.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Client is one configured HTTP client instance.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     hclog.Logger
	lookahead  time.Duration
	now        func() time.Time
	skipPaths  map[string]struct{}

	mu        sync.RWMutex
	headers   http.Header
	tokens    TokenSource
	refresher Refresher
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the transport-level timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithName names the client in logs.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTokenSource sets where the interceptor reads the current token from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithRefresher sets the refresher used by both interceptors.
func WithRefresher(r Refresher) Option {
	return func(c *Client) { c.refresher = r }
}

// WithLookahead overrides DefaultLookahead.
func WithLookahead(d time.Duration) Option {
	return func(c *Client) { c.lookahead = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		name:       "api",
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     hclog.NewNullLogger(),
		lookahead:  DefaultLookahead,
		now:        time.Now,
		headers:    http.Header{},
		skipPaths: map[string]struct{}{
			PathLogin:         {},
			PathRegister:      {},
			PathRefreshToken:  {},
			PathTokenExchange: {},
		},
	}
	c.headers.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named(c.name)
	return c
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// SetTokenSource replaces the token source after construction.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// SetRefresher replaces the refresher after construction.
func (c *Client) SetRefresher(r Refresher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refresher = r
}

// SetAuthorization sets the default Authorization header.
func (c *Client) SetAuthorization(token string) {
	c.SetDefaultHeader("Authorization", "Bearer "+token)
}

// ClearAuthorization removes the default Authorization header.
func (c *Client) ClearAuthorization() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Del("Authorization")
}

// SetDefaultHeader sets a header sent on every request.
func (c *Client) SetDefaultHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Set(key, value)
}

// DefaultHeader returns a default header value.
func (c *Client) DefaultHeader(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headers.Get(key)
}

func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) Put(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPut, path, in, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

// request is one logical call; it may be sent twice.
type request struct {
	method  string
	path    string
	body    []byte
	header  http.Header
	retried bool
}

// Do sends a JSON request and decodes a JSON response into out (if non-nil).
// Failures are always *Error.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	req := &request{method: method, path: path, header: http.Header{}}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindClient, Message: fmt.Sprintf("encode request: %v", err), Err: err}
		}
		req.body = body
		req.header.Set("Content-Type", "application/json")
	}

	intercept := !c.skips(path)
	if intercept {
		c.refreshIfExpiring(ctx)
	}

	resp, err := c.send(ctx, req)
	if err != nil {
		return newTransportError(err)
	}

	c.mu.RLock()
	r := c.refresher
	c.mu.RUnlock()

	if resp.StatusCode == http.StatusUnauthorized && intercept && r != nil && !req.retried {
		drain(resp)
		req.retried = true

		token, rerr := r.Refresh(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return newTransportError(ctx.Err())
			}
			c.logger.Warn("refresh after 401 failed", "path", path, "error", rerr)
			return &Error{
				Kind:    KindSessionExpired,
				Status:  http.StatusUnauthorized,
				Message: "session expired, please sign in again",
				Err:     rerr,
			}
		}
		req.header.Set("Authorization", "Bearer "+token)

		c.logger.Debug("retrying after token refresh", "method", method, "path", path)
		resp, err = c.send(ctx, req)
		if err != nil {
			return newTransportError(err)
		}
	}

	return c.handle(resp, out)
}

func (c *Client) skips(path string) bool {
	p := path
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	_, ok := c.skipPaths[p]
	return ok
}

// refreshIfExpiring refreshes ahead of expiry. Failure is logged and the
// request goes out with the old token; the 401 path is the backstop.
func (c *Client) refreshIfExpiring(ctx context.Context) {
	c.mu.RLock()
	ts, r := c.tokens, c.refresher
	c.mu.RUnlock()
	if ts == nil || r == nil {
		return
	}
	if !ExpiresWithin(ts.AccessToken(), c.lookahead, c.now()) {
		return
	}
	c.logger.Debug("access token close to expiry, refreshing")
	if _, err := r.Refresh(ctx); err != nil {
		c.logger.Warn("proactive refresh failed, sending with current token", "error", err)
	}
}

func (c *Client) send(ctx context.Context, req *request) (*http.Response, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	for k, v := range c.headers {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	c.mu.RUnlock()
	for k, v := range req.header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	return c.httpClient.Do(httpReq)
}

func (c *Client) handle(resp *http.Response, out any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return newTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := newStatusError(resp.StatusCode, body)
		c.logger.Debug("request failed", "status", resp.StatusCode, "kind", apiErr.Kind, "message", apiErr.Message)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindDecode, Status: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err), Err: err}
	}
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
