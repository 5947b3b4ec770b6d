package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ritual/internal/intention"
)

// SessionKey is the key-value key holding the cached session.
const SessionKey = "ritual-auth-session"

// Session is a signed-in session as cached locally.
type Session struct {
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token"`
	ExpiresAt    time.Time          `json:"expires_at"`
	User         intention.Identity `json:"user"`
}

// Expired reports whether the session is no longer usable at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Identity returns a copy of the session's user.
func (s Session) Identity() *intention.Identity {
	id := s.User
	return &id
}

// tokenResponse is the verify endpoint's reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// userResponse is the user endpoint's reply.
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// statusError is a non-2xx reply from the auth API.
type statusError struct {
	Status int
	Msg    string
}

func (e *statusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s (status %d)", e.Msg, e.Status)
	}
	return fmt.Sprintf("status %d", e.Status)
}

// rejected reports whether err is the auth API refusing the request, as
// opposed to the request not getting through.
func rejected(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500
}

// errorResponse covers the error bodies the auth API returns.
type errorResponse struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (e errorResponse) text() string {
	for _, s := range []string{e.Msg, e.Message, e.ErrorDescription, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}
