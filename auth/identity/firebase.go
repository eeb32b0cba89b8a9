package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"fleetdesk.com/session/store"
	"github.com/hashicorp/go-hclog"
)

// PersistenceKey is where FirebaseClient keeps its own session. It is
// deliberately not one of the credential store keys.
const PersistenceKey = "firebase:authUser"

// cachedTokenMargin is how long before expiry a cached ID token stops being served.
const cachedTokenMargin = time.Minute

// FirebaseConfig configures a FirebaseClient.
type FirebaseConfig struct {
	APIKey   string
	AuthURL  string // Identity Toolkit base, e.g. https://identitytoolkit.googleapis.com/v1
	TokenURL string // Secure Token base, e.g. https://securetoken.googleapis.com/v1

	HTTPClient  *http.Client
	Persistence store.Backend
	Logger      hclog.Logger
	Now         func() time.Time
}

// FirebaseClient implements Provider against the Firebase Auth REST API.
type FirebaseClient struct {
	cfg    FirebaseConfig
	logger hclog.Logger
	broker *Broker

	mu      sync.RWMutex
	session *Session

	refreshMu sync.Mutex
}

var _ Provider = (*FirebaseClient)(nil)

// NewFirebaseClient creates a signed-out client. Call Restore to hydrate a
// persisted session.
func NewFirebaseClient(cfg FirebaseConfig) *FirebaseClient {
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://identitytoolkit.googleapis.com/v1"
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://securetoken.googleapis.com/v1"
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	cfg.TokenURL = strings.TrimRight(cfg.TokenURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FirebaseClient{
		cfg:    cfg,
		logger: cfg.Logger.Named("firebase"),
		broker: NewBroker(),
	}
}

// Restore loads the persisted session and publishes SignedIn when one exists.
func (c *FirebaseClient) Restore(ctx context.Context) error {
	if c.cfg.Persistence == nil {
		return nil
	}
	raw, ok, err := c.cfg.Persistence.Get(ctx, PersistenceKey)
	if err != nil {
		return fmt.Errorf("identity: restore session: %w", err)
	}
	if !ok {
		return nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.UID == "" || s.RefreshToken == "" {
		c.logger.Warn("discarding unreadable persisted session")
		return c.cfg.Persistence.Delete(ctx, PersistenceKey)
	}

	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()

	c.logger.Debug("restored session", "uid", s.UID)
	c.broker.Publish(&s)
	return nil
}

func (c *FirebaseClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var resp accountResponse
	err := c.postJSON(ctx, c.cfg.AuthURL+"/accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}

	s := resp.session(c.cfg.Now())
	if err := c.setSession(ctx, s); err != nil {
		return nil, err
	}
	c.logger.Info("signed in", "uid", s.UID)
	return s, nil
}

func (c *FirebaseClient) SignUp(ctx context.Context, email, password, displayName string) (*Session, error) {
	var resp accountResponse
	err := c.postJSON(ctx, c.cfg.AuthURL+"/accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	s := resp.session(c.cfg.Now())

	if displayName != "" {
		var upd accountResponse
		err := c.postJSON(ctx, c.cfg.AuthURL+"/accounts:update", map[string]any{
			"idToken":           s.IDToken,
			"displayName":       displayName,
			"returnSecureToken": true,
		}, &upd)
		if err != nil {
			// The account exists at this point; a missing display name is not fatal.
			c.logger.Warn("setting display name failed", "uid", s.UID, "error", err)
		} else {
			s.DisplayName = upd.DisplayName
			if upd.IDToken != "" {
				s.IDToken = upd.IDToken
				s.RefreshToken = upd.RefreshToken
				s.ExpiresAt = expiry(c.cfg.Now(), upd.ExpiresIn)
			}
		}
	}

	if err := c.setSession(ctx, s); err != nil {
		return nil, err
	}
	c.logger.Info("signed up", "uid", s.UID)
	return s, nil
}

// SignOut is local: it drops the session and publishes SignedOut. A
// persistence failure is reported but does not keep the user signed in.
func (c *FirebaseClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.broker.Publish(nil)

	if c.cfg.Persistence != nil {
		if err := c.cfg.Persistence.Delete(ctx, PersistenceKey); err != nil {
			return fmt.Errorf("identity: clear persisted session: %w", err)
		}
	}
	return nil
}

func (c *FirebaseClient) CurrentSession() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

func (c *FirebaseClient) FreshToken(ctx context.Context, force bool) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.CurrentSession()
	if current == nil {
		return "", ErrNoActiveSession
	}
	if !force && current.IDToken != "" && c.cfg.Now().Add(cachedTokenMargin).Before(current.ExpiresAt) {
		return current.IDToken, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)

	var resp tokenResponse
	if err := c.postForm(ctx, c.cfg.TokenURL+"/token", form, &resp); err != nil {
		if isTerminalRefreshError(err) {
			c.logger.Warn("refresh token rejected, signing out", "uid", current.UID, "error", err)
			c.SignOut(ctx)
		}
		return "", err
	}

	c.mu.Lock()
	if c.session == nil || c.session.UID != current.UID {
		c.mu.Unlock()
		return "", ErrNoActiveSession
	}
	c.session.IDToken = resp.IDToken
	if resp.RefreshToken != "" {
		c.session.RefreshToken = resp.RefreshToken
	}
	c.session.ExpiresAt = expiry(c.cfg.Now(), resp.ExpiresIn)
	updated := *c.session
	c.mu.Unlock()

	if err := c.persist(ctx, &updated); err != nil {
		c.logger.Warn("persisting refreshed session failed", "error", err)
	}
	return updated.IDToken, nil
}

func (c *FirebaseClient) Subscribe() (<-chan Event, func()) {
	return c.broker.Subscribe()
}

func (c *FirebaseClient) setSession(ctx context.Context, s *Session) error {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	if err := c.persist(ctx, s); err != nil {
		c.logger.Warn("persisting session failed", "error", err)
	}
	c.broker.Publish(s)
	return nil
}

func (c *FirebaseClient) persist(ctx context.Context, s *Session) error {
	if c.cfg.Persistence == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.cfg.Persistence.SetMany(ctx, map[string]string{PersistenceKey: string(raw)})
}

type accountResponse struct {
	LocalID        string `json:"localId"`
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	ProfilePicture string `json:"profilePicture"`
	IDToken        string `json:"idToken"`
	RefreshToken   string `json:"refreshToken"`
	ExpiresIn      string `json:"expiresIn"`
}

func (r accountResponse) session(now time.Time) *Session {
	return &Session{
		UID:          r.LocalID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		PhotoURL:     r.ProfilePicture,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    expiry(now, r.ExpiresIn),
	}
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func expiry(now time.Time, expiresIn string) time.Time {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		secs = 3600
	}
	return now.Add(time.Duration(secs) * time.Second)
}

func (c *FirebaseClient) postJSON(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return NewError(Unknown, err)
	}
	return c.do(ctx, endpoint, "application/json", body, out)
}

func (c *FirebaseClient) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	return c.do(ctx, endpoint, "application/x-www-form-urlencoded", []byte(form.Encode()), out)
}

func (c *FirebaseClient) do(ctx context.Context, endpoint, contentType string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?key="+url.QueryEscape(c.cfg.APIKey), bytes.NewReader(body))
	if err != nil {
		return NewError(Unknown, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return NewError(Unknown, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewError(Unknown, err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		reason := providerReason(e.Error.Message)
		return NewError(codeForReason(reason), fmt.Errorf("firebase %d: %s", resp.StatusCode, reason))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewError(Unknown, err)
	}
	return nil
}

// providerReason strips the free-text suffix from messages such as
// "WEAK_PASSWORD : Password should be at least 6 characters".
func providerReason(msg string) string {
	if i := strings.Index(msg, " :"); i >= 0 {
		msg = msg[:i]
	}
	return strings.TrimSpace(msg)
}

func codeForReason(reason string) Code {
	switch reason {
	case "INVALID_PASSWORD", "EMAIL_NOT_FOUND", "INVALID_LOGIN_CREDENTIALS", "MISSING_PASSWORD":
		return InvalidCredentials
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return TooManyRequests
	case "USER_DISABLED":
		return AccountDisabled
	case "EMAIL_EXISTS":
		return EmailInUse
	case "INVALID_EMAIL", "MISSING_EMAIL":
		return InvalidEmail
	case "WEAK_PASSWORD":
		return WeakPassword
	default:
		return Unknown
	}
}

var terminalRefreshReasons = []string{"TOKEN_EXPIRED", "USER_DISABLED", "USER_NOT_FOUND", "INVALID_REFRESH_TOKEN"}

func isTerminalRefreshError(err error) bool {
	var idErr *Error
	if !errors.As(err, &idErr) || idErr.Err == nil {
		return false
	}
	for _, r := range terminalRefreshReasons {
		if strings.HasSuffix(idErr.Err.Error(), r) {
			return true
		}
	}
	return false
}
