// Package server is a self-hostable backend implementing the auth and
// intentions REST contracts the client adapters speak, on top of the
// SQLite store.
//
// Every intentions query is scoped to the bearer's user. Requests must
// carry the configured anon key in the apikey header.
package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/ritual/internal/auth"
	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/remote"
	"github.com/roach88/ritual/internal/store"
)

// Options configures a Server.
type Options struct {
	Store   *store.Store
	AnonKey string
	Mailer  Mailer
	Logger  *slog.Logger

	// SiteURL prefixes links sent by the mailer. Defaults to the request's
	// scheme and host.
	SiteURL      string
	MagicLinkTTL time.Duration
	SessionTTL   time.Duration
	// RefreshTTL is how long a refresh token stays exchangeable.
	RefreshTTL   time.Duration

	// Now, NewID and NewOTP are overridable for deterministic tests.
	Now    func() time.Time
	NewID  func() string
	NewOTP func() string
}

// Server serves the backend routes.
type Server struct {
	store        *store.Store
	anonKey      string
	mailer       Mailer
	logger       *slog.Logger
	siteURL      string
	magicLinkTTL time.Duration
	sessionTTL   time.Duration
	refreshTTL   time.Duration
	now          func() time.Time
	newID        func() string
	newOTP       func() string

	mux *http.ServeMux
}

// New creates a server.
func New(opts Options) *Server {
	s := &Server{
		store:        opts.Store,
		anonKey:      opts.AnonKey,
		mailer:       opts.Mailer,
		logger:       opts.Logger,
		siteURL:      strings.TrimRight(opts.SiteURL, "/"),
		magicLinkTTL: opts.MagicLinkTTL,
		sessionTTL:   opts.SessionTTL,
		refreshTTL:   opts.RefreshTTL,
		now:          opts.Now,
		newID:        opts.NewID,
		newOTP:       opts.NewOTP,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.logger}
	}
	if s.magicLinkTTL <= 0 {
		s.magicLinkTTL = time.Hour
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = time.Hour
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 30 * 24 * time.Hour
	}
	s.refreshTTL = max(s.refreshTTL, s.sessionTTL)
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if s.newOTP == nil {
		s.newOTP = randomOTP
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST /auth/v1/otp", s.handleOTP)
	s.mux.HandleFunc("POST /auth/v1/verify", s.handleVerify)
	s.mux.HandleFunc("POST /auth/v1/token", s.handleToken)
	s.mux.HandleFunc("POST /auth/v1/logout", s.withUser(s.handleLogout))
	s.mux.HandleFunc("GET /auth/v1/user", s.withUser(s.handleUser))
	s.mux.HandleFunc("GET "+remote.TablePath, s.withUser(s.handleList))
	s.mux.HandleFunc("POST "+remote.TablePath, s.withUser(s.handleInsert))
	s.mux.HandleFunc("DELETE "+remote.TablePath, s.withUser(s.handleDelete))
	return s
}

// ServeHTTP checks the apikey header and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != s.anonKey || s.anonKey == "" {
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("backend listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	s.logger.Info("backend stopped")
	return nil
}

// RunJanitor purges expired sessions and magic links every interval until
// ctx is cancelled. Purge failures are logged and retried on the next tick.
func (s *Server) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.store.PurgeExpired(ctx, s.now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("purge expired failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("purged expired rows", "count", n)
			}
		}
	}
}

type userHandler func(w http.ResponseWriter, r *http.Request, user store.User, token string)

// withUser resolves the bearer token. Missing or expired sessions get 401.
func (s *Server) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.store.LookupSession(r.Context(), token, s.now())
		if err != nil {
			if store.IsNotFound(err) {
				writeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			s.internalError(w, r, err)
			return
		}
		next(w, r, user, token)
	}
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email      string `json:"email"`
		CreateUser bool   `json:"create_user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}

	now := s.now()
	if req.CreateUser {
		if _, err := s.store.EnsureUser(r.Context(), email, s.newID(), now); err != nil {
			s.internalError(w, r, err)
			return
		}
	}

	token := s.newOTP()
	if err := s.store.CreateMagicLink(r.Context(), token, email, now.Add(s.magicLinkTTL)); err != nil {
		s.internalError(w, r, err)
		return
	}

	link := MagicLink{Email: email, Token: token, URL: s.linkURL(r, email, token)}
	if err := s.mailer.SendMagicLink(r.Context(), link); err != nil {
		s.logger.Error("sending magic link failed", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "Error sending magic link")
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) linkURL(r *http.Request, email, token string) string {
	base := s.siteURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	q := url.Values{}
	q.Set("type", "magiclink")
	q.Set("email", email)
	q.Set("token", token)
	if to := r.URL.Query().Get("redirect_to"); to != "" {
		q.Set("redirect_to", to)
	}
	return base + "/auth/v1/verify?" + q.Encode()
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string `json:"type"`
		Email string `json:"email"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type != "magiclink" {
		writeError(w, http.StatusBadRequest, "unsupported verification type")
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email")
		return
	}

	now := s.now()
	if err := s.store.ConsumeMagicLink(r.Context(), req.Token, email, now); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusForbidden, "Token has expired or is invalid")
			return
		}
		s.internalError(w, r, err)
		return
	}

	user, err := s.store.EnsureUser(r.Context(), email, s.newID(), now)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	sess := s.newSession(now)
	sess.UserID = user.ID
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		s.internalError(w, r, err)
		return
	}

	s.logger.Info("session issued", "user_id", user.ID)
	s.writeSession(w, sess, user)
}

// handleToken implements the refresh_token grant. The presented refresh
// token is spent; the reply carries a new pair.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if grant := r.URL.Query().Get("grant_type"); grant != "refresh_token" {
		writeGrantError(w, "unsupported_grant_type", "grant_type must be refresh_token")
		return
	}
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeGrantError(w, "invalid_request", "refresh_token is required")
		return
	}

	now := s.now()
	sess := s.newSession(now)
	user, err := s.store.RefreshSession(r.Context(), req.RefreshToken, sess, now)
	if err != nil {
		if store.IsNotFound(err) {
			writeGrantError(w, "invalid_grant", "Invalid Refresh Token")
			return
		}
		s.internalError(w, r, err)
		return
	}
	sess.UserID = user.ID

	s.logger.Info("session refreshed", "user_id", user.ID)
	s.writeSession(w, sess, user)
}

func (s *Server) newSession(now time.Time) store.Session {
	return store.Session{
		AccessToken:      s.newID(),
		RefreshToken:     s.newID(),
		ExpiresAt:        now.Add(s.sessionTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}
}

func (s *Server) writeSession(w http.ResponseWriter, sess store.Session, user store.User) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  sess.AccessToken,
		"token_type":    "bearer",
		"expires_in":    int64(s.sessionTTL / time.Second),
		"refresh_token": sess.RefreshToken,
		"user":          map[string]string{"id": user.ID, "email": user.Email},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user store.User, token string) {
	if err := s.store.DeleteSession(r.Context(), token); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.logger.Info("session revoked", "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, user store.User, _ string) {
	writeJSON(w, http.StatusOK, map[string]string{"id": user.ID, "email": user.Email})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, user store.User, _ string) {
	rows, err := s.store.ListIntentions(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]remote.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, toWire(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, user store.User, _ string) {
	var in remote.Row
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.UserID != "" && in.UserID != user.ID {
		writeError(w, http.StatusForbidden, "new row violates row-level security policy")
		return
	}
	text, ok := intention.NormalizeText(in.Text)
	if !ok {
		writeError(w, http.StatusBadRequest, "text must not be empty")
		return
	}
	kind, err := intention.ParseKind(in.Type)
	if err != nil || in.Type != kind.String() {
		writeError(w, http.StatusBadRequest, "type must be manifest or release")
		return
	}

	row := store.IntentionRow{
		ID:        s.newID(),
		UserID:    user.ID,
		Text:      text,
		Kind:      kind,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.store.InsertIntention(r.Context(), row); err != nil {
		s.internalError(w, r, err)
		return
	}

	s.logger.Debug("intention inserted", "id", row.ID, "user_id", user.ID, "kind", kind.String())
	writeJSON(w, http.StatusCreated, []remote.Row{toWire(row)})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, user store.User, _ string) {
	id, ok := strings.CutPrefix(r.URL.Query().Get("id"), "eq.")
	if !ok || id == "" {
		writeError(w, http.StatusBadRequest, "delete requires an id=eq.<id> filter")
		return
	}
	deleted, err := s.store.DeleteIntention(r.Context(), user.ID, id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "no matching intention")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func toWire(row store.IntentionRow) remote.Row {
	return remote.Row{
		ID:        row.ID,
		UserID:    row.UserID,
		Text:      row.Text,
		Type:      row.Kind.String(),
		CreatedAt: row.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes both field names the client decoders look for.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg, "msg": msg})
}

// writeGrantError answers a token request the OAuth way, with a 400.
func writeGrantError(w http.ResponseWriter, code, desc string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": code, "error_description": desc})
}

// randomOTP returns a six-digit one-time code.
func randomOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}
