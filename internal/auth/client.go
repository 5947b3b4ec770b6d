package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/ritual/internal/intention"
)

// ErrAuthTransport wraps every failure talking to the auth API.
var ErrAuthTransport = errors.New("auth transport error")

// Storage caches the session. *store.Store implements it.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Config configures a Client.
type Config struct {
	// URL is the backend base URL, e.g. "https://xyz.example.co".
	URL string
	// AnonKey is the public API key sent as the apikey header.
	AnonKey string
	// RedirectTo is embedded in magic links. Optional.
	RedirectTo string

	Storage    Storage
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Client talks to the auth API and owns the cached session.
//
// Thread-safety: all methods are safe for concurrent use. Subscriber
// callbacks run on the goroutine that caused the change, after the client's
// lock has been released.
type Client struct {
	baseURL    string
	anonKey    string
	redirectTo string
	storage    Storage
	http       *http.Client
	logger     *slog.Logger
	now        func() time.Time

	// sessMu serialises refreshes; a refresh token works once.
	sessMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]func(*intention.Identity)
	nextID int
}

// New creates a client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		redirectTo: cfg.RedirectTo,
		storage:    cfg.Storage,
		http:       cfg.HTTPClient,
		logger:     cfg.Logger,
		now:        cfg.Now,
		subs:       make(map[int]func(*intention.Identity)),
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// SignInWithEmail asks the auth API to email a magic link to address.
func (c *Client) SignInWithEmail(ctx context.Context, address string) error {
	email, err := NormalizeEmail(address)
	if err != nil {
		return err
	}

	path := "/auth/v1/otp"
	if c.redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(c.redirectTo)
	}
	body := map[string]any{"email": email, "create_user": true}
	if err := c.do(ctx, http.MethodPost, path, "", body, nil); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	c.logger.Info("magic link requested", "email", email)
	return nil
}

// Verify exchanges the one-time token from a magic link for a session,
// caches it and notifies subscribers.
func (c *Client) Verify(ctx context.Context, address, token string) (*intention.Identity, error) {
	email, err := NormalizeEmail(address)
	if err != nil {
		return nil, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("verify: %w: empty token", intention.ErrValidation)
	}

	var resp tokenResponse
	body := map[string]any{"type": "magiclink", "email": email, "token": token}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/verify", "", body, &resp); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		return nil, fmt.Errorf("verify: %w: response missing session", ErrAuthTransport)
	}

	sess := c.sessionFrom(resp)
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	c.logger.Info("signed in", "user_id", sess.User.ID)
	id := sess.Identity()
	c.broadcast(id)
	return id, nil
}

// SignOut revokes the session remotely and always clears it locally.
// Subscribers are notified even when the remote call fails; that failure
// is still returned. A session that can no longer be refreshed is cleared
// without a remote call.
func (c *Client) SignOut(ctx context.Context) error {
	stored, err := c.storedSession(ctx)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	if stored == nil {
		return nil
	}

	var remoteErr error
	live, _, err := c.activeSession(ctx)
	switch {
	case err != nil:
		remoteErr = err
	case live != nil:
		remoteErr = c.do(ctx, http.MethodPost, "/auth/v1/logout", live.AccessToken, nil, nil)
	}
	if err := c.storage.Delete(ctx, SessionKey); err != nil {
		return fmt.Errorf("sign out: clear session: %w", err)
	}

	c.logger.Info("signed out", "user_id", stored.User.ID)
	c.broadcast(nil)

	if remoteErr != nil {
		return fmt.Errorf("sign out: %w", remoteErr)
	}
	return nil
}

// CurrentSession returns the cached session, or nil when signed out. An
// expired access token is refreshed first. When the backend rejects the
// refresh the session is over: it is cleared and subscribers are notified
// with nil. A refresh that fails in transit keeps the cached session and
// returns an ErrAuthTransport error.
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	sess, ended, err := c.activeSession(ctx)
	if ended {
		c.broadcast(nil)
	}
	return sess, err
}

// activeSession returns a usable session, refreshing it when needed.
// ended reports that a cached session was dropped by this call.
func (c *Client) activeSession(ctx context.Context) (sess *Session, ended bool, err error) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	sess, err = c.storedSession(ctx)
	if err != nil || sess == nil {
		return nil, false, err
	}
	if !sess.Expired(c.now()) {
		return sess, false, nil
	}

	if sess.RefreshToken != "" {
		next, err := c.refresh(ctx, sess.RefreshToken)
		if err == nil {
			return next, false, nil
		}
		if !rejected(err) {
			return nil, false, fmt.Errorf("refresh session: %w", err)
		}
		c.logger.Warn("session refresh rejected", "user_id", sess.User.ID, "error", err)
	}

	if err := c.storage.Delete(ctx, SessionKey); err != nil {
		return nil, false, fmt.Errorf("clear expired session: %w", err)
	}
	c.logger.Info("session ended", "user_id", sess.User.ID)
	return nil, true, nil
}

// refresh exchanges a refresh token for a new session and caches it.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	var resp tokenResponse
	body := map[string]any{"refresh_token": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "", body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		return nil, fmt.Errorf("%w: response missing session", ErrAuthTransport)
	}

	sess := c.sessionFrom(resp)
	if err := c.saveSession(ctx, sess); err != nil {
		return nil, err
	}
	c.logger.Debug("session refreshed", "user_id", sess.User.ID)
	return &sess, nil
}

// storedSession reads the cached session as written, expired or not.
// Unreadable entries count as no session.
func (c *Client) storedSession(ctx context.Context) (*Session, error) {
	data, ok, err := c.storage.Get(ctx, SessionKey)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		c.logger.Warn("discarding unreadable session", "error", err)
		return nil, nil
	}
	if sess.AccessToken == "" {
		return nil, nil
	}
	return &sess, nil
}

// CurrentIdentity returns the signed-in identity, or nil.
func (c *Client) CurrentIdentity(ctx context.Context) (*intention.Identity, error) {
	sess, err := c.CurrentSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	return sess.Identity(), nil
}

// AccessToken returns the bearer token of the cached session, or
// intention.ErrAuthRequired when signed out.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", intention.ErrAuthRequired
	}
	return sess.AccessToken, nil
}

// FetchUser asks the auth API who the cached session belongs to. It
// returns intention.ErrAuthRequired when there is no session.
func (c *Client) FetchUser(ctx context.Context) (*intention.Identity, error) {
	sess, err := c.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, intention.ErrAuthRequired
	}

	var resp userResponse
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", sess.AccessToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	return &intention.Identity{ID: resp.ID, Email: resp.Email}, nil
}

// Subscribe registers fn for identity changes. fn receives nil on sign-out.
func (c *Client) Subscribe(fn func(*intention.Identity)) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn
	return NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	})
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription returns a handle that runs cancel on the first
// Unsubscribe.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// broadcast invokes subscribers in subscription order.
func (c *Client) broadcast(id *intention.Identity) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.subs))
	for k := range c.subs {
		ids = append(ids, k)
	}
	sort.Ints(ids)
	fns := make([]func(*intention.Identity), 0, len(ids))
	for _, k := range ids {
		fns = append(fns, c.subs[k])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		var cp *intention.Identity
		if id != nil {
			v := *id
			cp = &v
		}
		fn(cp)
	}
}

func (c *Client) sessionFrom(resp tokenResponse) Session {
	return Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC(),
		User:         intention.Identity{ID: resp.User.ID, Email: resp.User.Email},
	}
}

func (c *Client) saveSession(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.storage.Set(ctx, SessionKey, data); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// do sends a JSON request and decodes a JSON reply into out (if non-nil).
// Every failure is wrapped with ErrAuthTransport.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: no backend URL configured", ErrAuthTransport)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrAuthTransport, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthTransport, err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrAuthTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("%w: %w", ErrAuthTransport, &statusError{Status: resp.StatusCode, Msg: e.text()})
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrAuthTransport, err)
		}
	}
	return nil
}
