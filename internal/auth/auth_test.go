package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/store"
	"github.com/roach88/ritual/internal/testutil"
)

// fakeAuth records requests and serves canned auth responses.
type fakeAuth struct {
	mu            sync.Mutex
	requests      []recorded
	fail          bool
	rejectRefresh bool
	refreshes     int
}

type recorded struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Bearer string
	Body   map[string]any
}

func (f *fakeAuth) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.requests = append(f.requests, recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			APIKey: r.Header.Get("apikey"),
			Bearer: r.Header.Get("Authorization"),
			Body:   body,
		})
		fail := f.fail
		rejectRefresh := f.rejectRefresh
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"msg":"upstream down"}`))
			return
		}

		switch r.URL.Path {
		case "/auth/v1/otp", "/auth/v1/logout":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		case "/auth/v1/verify":
			if body["token"] != "123456" {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"msg":"Token has expired or is invalid"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","expires_in":3600,` +
				`"refresh_token":"rt-1","user":{"id":"user-1","email":"ada@example.com"}}`))
		case "/auth/v1/token":
			f.mu.Lock()
			defer f.mu.Unlock()
			current := fmt.Sprintf("rt-%d", f.refreshes+1)
			if r.URL.Query().Get("grant_type") != "refresh_token" || rejectRefresh || body["refresh_token"] != current {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid Refresh Token"}`))
				return
			}
			f.refreshes++
			n := f.refreshes + 1
			fmt.Fprintf(w, `{"access_token":"at-%d","token_type":"bearer","expires_in":3600,`+
				`"refresh_token":"rt-%d","user":{"id":"user-1","email":"ada@example.com"}}`, n, n)
		case "/auth/v1/user":
			_, _ = w.Write([]byte(`{"id":"user-1","email":"ada@example.com"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeAuth) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeAuth) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		out = append(out, r.Path)
	}
	return out
}

func (f *fakeAuth) setRejectRefresh(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectRefresh = v
}

func (f *fakeAuth) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func newTestClient(t *testing.T) (*Client, *fakeAuth, *testutil.DeterministicClock) {
	t.Helper()

	fake := &fakeAuth{}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := testutil.NewDeterministicClock()
	c := New(Config{
		URL:        srv.URL,
		AnonKey:    "anon-key",
		RedirectTo: "ritual://callback",
		Storage:    st,
		HTTPClient: srv.Client(),
		Now:        clock.Current,
	})
	return c, fake, clock
}

func TestSignInWithEmail(t *testing.T) {
	c, fake, _ := newTestClient(t)

	err := c.SignInWithEmail(context.Background(), "  Ada@Example.com ")
	require.NoError(t, err)

	req := fake.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/auth/v1/otp", req.Path)
	assert.Equal(t, "redirect_to=ritual%3A%2F%2Fcallback", req.Query)
	assert.Equal(t, "anon-key", req.APIKey)
	assert.Equal(t, "ada@example.com", req.Body["email"])
	assert.Equal(t, true, req.Body["create_user"])
}

func TestSignInWithEmail_InvalidAddress(t *testing.T) {
	c, fake, _ := newTestClient(t)

	err := c.SignInWithEmail(context.Background(), "not-an-email")
	assert.ErrorIs(t, err, intention.ErrValidation)
	assert.Empty(t, fake.requests)
}

func TestSignInWithEmail_TransportFailure(t *testing.T) {
	c, fake, _ := newTestClient(t)
	fake.setFail(true)

	err := c.SignInWithEmail(context.Background(), "ada@example.com")
	assert.ErrorIs(t, err, ErrAuthTransport)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestVerify_PersistsSessionAndNotifies(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	var got []*intention.Identity
	c.Subscribe(func(id *intention.Identity) { got = append(got, id) })

	id, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, "ada@example.com", id.Email)

	req := fake.last()
	assert.Equal(t, "/auth/v1/verify", req.Path)
	assert.Equal(t, "magiclink", req.Body["type"])

	require.Len(t, got, 1)
	assert.Equal(t, "user-1", got[0].ID)

	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "at-1", sess.AccessToken)
	assert.True(t, sess.ExpiresAt.Equal(clock.Current().Add(time.Hour)))
}

func TestVerify_BadToken(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	notified := false
	c.Subscribe(func(*intention.Identity) { notified = true })

	_, err := c.Verify(ctx, "ada@example.com", "000000")
	assert.ErrorIs(t, err, ErrAuthTransport)
	assert.False(t, notified)

	id, err := c.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestVerify_EmptyToken(t *testing.T) {
	c, _, _ := newTestClient(t)
	_, err := c.Verify(context.Background(), "ada@example.com", "   ")
	assert.ErrorIs(t, err, intention.ErrValidation)
}

func TestCurrentSession_RefreshesExpiredSession(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)

	notified := 0
	c.Subscribe(func(*intention.Identity) { notified++ })
	clock.Advance(2 * time.Hour)

	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "at-2", sess.AccessToken)
	assert.Equal(t, "rt-2", sess.RefreshToken)
	assert.True(t, sess.ExpiresAt.Equal(clock.Current().Add(time.Hour)))

	req := fake.last()
	assert.Equal(t, "/auth/v1/token", req.Path)
	assert.Equal(t, "grant_type=refresh_token", req.Query)
	assert.Equal(t, "rt-1", req.Body["refresh_token"])

	// The refreshed session is cached; no second exchange.
	id, err := c.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Len(t, fake.paths(), 2)
	assert.Zero(t, notified)
}

func TestCurrentSession_ConcurrentReadersRefreshOnce(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	tokens := make([]string, 5)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.AccessToken(ctx)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, "at-2", tok)
	}
	assert.Equal(t, []string{"/auth/v1/verify", "/auth/v1/token"}, fake.paths())
}

func TestCurrentSession_RejectedRefreshEndsSession(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	fake.setRejectRefresh(true)
	clock.Advance(2 * time.Hour)

	var got []*intention.Identity
	c.Subscribe(func(id *intention.Identity) { got = append(got, id) })

	id, err := c.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)
	require.Len(t, got, 1)
	assert.Nil(t, got[0])

	_, ok, err := c.storage.Get(ctx, SessionKey)
	require.NoError(t, err)
	assert.False(t, ok, "ended session must be cleared")

	// Later reads find nothing to end and stay quiet.
	_, err = c.AccessToken(ctx)
	assert.ErrorIs(t, err, intention.ErrAuthRequired)
	assert.Len(t, got, 1)
}

func TestCurrentSession_RefreshTransportFailureKeepsSession(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	fake.setFail(true)

	notified := 0
	c.Subscribe(func(*intention.Identity) { notified++ })

	_, err = c.CurrentSession(ctx)
	assert.ErrorIs(t, err, ErrAuthTransport)
	assert.Zero(t, notified)

	fake.setFail(false)
	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "at-2", sess.AccessToken)
}

func TestCurrentSession_ExpiredWithoutRefreshTokenEnds(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	data, err := json.Marshal(Session{
		AccessToken: "at-legacy",
		ExpiresAt:   clock.Current(),
		User:        intention.Identity{ID: "user-1", Email: "ada@example.com"},
	})
	require.NoError(t, err)
	require.NoError(t, c.storage.Set(ctx, SessionKey, data))

	notified := 0
	c.Subscribe(func(*intention.Identity) { notified++ })

	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, 1, notified)
	assert.Empty(t, fake.paths())
}

func TestSignOut_ClearsSessionAndNotifiesNil(t *testing.T) {
	c, fake, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)

	var got []*intention.Identity
	c.Subscribe(func(id *intention.Identity) { got = append(got, id) })

	require.NoError(t, c.SignOut(ctx))

	req := fake.last()
	assert.Equal(t, "/auth/v1/logout", req.Path)
	assert.Equal(t, "Bearer at-1", req.Bearer)

	require.Len(t, got, 1)
	assert.Nil(t, got[0])

	id, err := c.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestSignOut_RemoteFailureStillClearsLocally(t *testing.T) {
	c, fake, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	fake.setFail(true)

	notified := 0
	c.Subscribe(func(*intention.Identity) { notified++ })

	err = c.SignOut(ctx)
	assert.ErrorIs(t, err, ErrAuthTransport)
	assert.Equal(t, 1, notified)

	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSignOut_ExpiredSessionClearsAndNotifies(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	fake.setRejectRefresh(true)
	clock.Advance(48 * time.Hour)

	var got []*intention.Identity
	c.Subscribe(func(id *intention.Identity) { got = append(got, id) })

	require.NoError(t, c.SignOut(ctx))
	require.Len(t, got, 1)
	assert.Nil(t, got[0])
	assert.NotContains(t, fake.paths(), "/auth/v1/logout")

	_, ok, err := c.storage.Get(ctx, SessionKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignOut_RefreshesBeforeRevoking(t *testing.T) {
	c, fake, clock := newTestClient(t)
	ctx := context.Background()

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	require.NoError(t, c.SignOut(ctx))
	req := fake.last()
	assert.Equal(t, "/auth/v1/logout", req.Path)
	assert.Equal(t, "Bearer at-2", req.Bearer)
}

func TestSignOut_WithoutSessionIsNoop(t *testing.T) {
	c, fake, _ := newTestClient(t)
	notified := false
	c.Subscribe(func(*intention.Identity) { notified = true })

	require.NoError(t, c.SignOut(context.Background()))
	assert.False(t, notified)
	assert.Empty(t, fake.requests)
}

func TestFetchUser(t *testing.T) {
	c, fake, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.FetchUser(ctx)
	assert.True(t, errors.Is(err, intention.ErrAuthRequired))

	_, err = c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)

	id, err := c.FetchUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.ID)
	assert.Equal(t, "Bearer at-1", fake.last().Bearer)
}

func TestSubscribe_OrderAndUnsubscribe(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	var order []string
	first := c.Subscribe(func(*intention.Identity) { order = append(order, "first") })
	c.Subscribe(func(*intention.Identity) { order = append(order, "second") })

	_, err := c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)

	first.Unsubscribe()
	first.Unsubscribe()

	require.NoError(t, c.SignOut(ctx))
	assert.Equal(t, []string{"first", "second", "second"}, order)
}

func TestSubscriberMaySubscribeDuringCallback(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.Subscribe(func(*intention.Identity) {
		c.Subscribe(func(*intention.Identity) {})
	})

	_, err := c.Verify(context.Background(), "ada@example.com", "123456")
	require.NoError(t, err)
}

func TestCorruptSessionIsIgnored(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.storage.Set(ctx, SessionKey, []byte("{not json")))

	sess, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "ada@example.com", want: "ada@example.com"},
		{in: "  ADA@Example.COM\n", want: "ada@example.com"},
		{in: "", wantErr: true},
		{in: "@example.com", wantErr: true},
		{in: "ada@", wantErr: true},
		{in: "a da@example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeEmail(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, intention.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAccessToken(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.AccessToken(ctx)
	assert.ErrorIs(t, err, intention.ErrAuthRequired)

	_, err = c.Verify(ctx, "ada@example.com", "123456")
	require.NoError(t, err)

	tok, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
}
