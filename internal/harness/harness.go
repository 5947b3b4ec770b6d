package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/ritual/internal/auth"
	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/localstore"
	"github.com/roach88/ritual/internal/remote"
	"github.com/roach88/ritual/internal/ritual"
	"github.com/roach88/ritual/internal/server"
	"github.com/roach88/ritual/internal/store"
	"github.com/roach88/ritual/internal/testutil"
	"github.com/roach88/ritual/internal/version"
)

const anonKey = "harness-anon-key"

// Harness holds one scenario's wired environment: a backend store behind
// an httptest server, a device store, and the service under test.
type Harness struct {
	backend *store.Store
	device  *store.Store
	srv     *httptest.Server
	outage  *outage
	mailer  *inbox
	clock   *testutil.DeterministicClock
	logger  *slog.Logger
	version version.Version

	auth    *auth.Client
	local   *localstore.Adapter
	remote  *remote.Adapter
	notices *ritual.NoticeLog
	svc     *ritual.Service

	labels map[string]string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against fresh in-memory databases. Step failures and
// unmet expectations are reported in the result; the returned error is
// reserved for environment problems.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	if err := h.svc.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize service: %w", err)
	}
	h.svc.Start(ctx)
	h.notices.Drain()

	for i, step := range scenario.Steps {
		sr := h.execute(ctx, step)
		sr.Index = i + 1
		sr.Notices = h.notices.Drain()
		result.Steps = append(result.Steps, sr)

		if sr.Error != step.ExpectError {
			want := step.ExpectError
			if want == "" {
				want = "success"
			}
			got := sr.Error
			if got == "" {
				got = "success"
			}
			result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %s", sr.Index, step.Action, want, got))
		}
	}

	result.Final = Snapshot{
		Mode:     h.svc.Mode().String(),
		Manifest: h.svc.Items(intention.Manifest),
		Release:  h.svc.Items(intention.Release),
	}

	actx := &AssertionContext{Harness: h, Ctx: ctx}
	for _, msg := range EvaluateExpectations(result, scenario.Expect, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	ver, err := version.Resolve(scenario.Version)
	if err != nil {
		return nil, err
	}

	backend, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create backend store: %w", err)
	}
	device, err := store.Open(":memory:")
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create device store: %w", err)
	}

	h := &Harness{
		backend: backend,
		device:  device,
		mailer:  &inbox{},
		clock:   testutil.NewDeterministicClock(),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		version: ver,
		notices: &ritual.NoticeLog{},
		labels:  make(map[string]string),
	}

	backendIDs := testutil.NewSequentialIDs("remote")
	otps := testutil.NewSequentialIDs("otp")
	h.outage = &outage{next: server.New(server.Options{
		Store:   backend,
		AnonKey: anonKey,
		Mailer:  h.mailer,
		Logger:  h.logger,
		Now:     h.clock.Now,
		NewID:   backendIDs.Next,
		NewOTP:  otps.Next,
	})}
	h.srv = httptest.NewServer(h.outage)

	h.auth = auth.New(auth.Config{
		URL:        h.srv.URL,
		AnonKey:    anonKey,
		Storage:    device,
		HTTPClient: h.srv.Client(),
		Logger:     h.logger,
		Now:        h.clock.Current,
	})
	h.remote = remote.New(remote.Config{
		URL:        h.srv.URL,
		AnonKey:    anonKey,
		Sessions:   h.auth,
		HTTPClient: h.srv.Client(),
		Logger:     h.logger,
	})
	h.local = localstore.New(device, ver.StorageKey(),
		localstore.WithClock(h.clock),
		localstore.WithIDs(testutil.NewSequentialIDs("local")),
		localstore.WithLogger(h.logger),
	)
	h.svc = h.newService()
	return h, nil
}

func (h *Harness) newService() *ritual.Service {
	return ritual.New(ritual.Deps{
		Auth:      h.auth,
		Local:     h.local,
		Remote:    h.remote,
		Notifier:  h.notices,
		Logger:    h.logger,
		CloudSync: h.version.CloudSync(),
	})
}

func (h *Harness) close() {
	h.svc.Close()
	h.srv.Close()
	h.device.Close()
	h.backend.Close()
}

// execute runs one step. Failures are captured in the StepResult.
func (h *Harness) execute(ctx context.Context, step Step) StepResult {
	sr := StepResult{Action: step.Action}

	switch step.Action {
	case ActionSubmit:
		kind, _ := intention.ParseKind(step.Kind)
		sr.Detail = fmt.Sprintf("%s %q", kind, step.Text)
		rec, err := h.svc.Submit(ctx, step.Text, kind)
		sr.Error = ErrorName(err)
		if err == nil {
			sr.Record = &rec
			if step.As != "" {
				h.labels[step.As] = rec.ID
			}
		}

	case ActionToggleSeal:
		sr.Detail = target(step)
		rec, err := h.svc.ToggleSeal(ctx, h.resolve(step))
		sr.Error = ErrorName(err)
		if err == nil {
			sr.Record = &rec
		}

	case ActionRemove:
		sr.Detail = target(step)
		sr.Error = ErrorName(h.svc.RemoveItem(ctx, h.resolve(step)))

	case ActionSignIn:
		sr.Detail = step.Email
		sr.Error = ErrorName(h.signIn(ctx, step.Email))

	case ActionSignOut:
		sr.Error = ErrorName(h.auth.SignOut(ctx))

	case ActionRemoteDown:
		h.outage.down.Store(true)

	case ActionRemoteUp:
		h.outage.down.Store(false)

	case ActionAdvance:
		// Durations are checked when the scenario is parsed.
		d, _ := time.ParseDuration(step.Duration)
		sr.Detail = step.Duration
		h.clock.Advance(d)

	case ActionRestart:
		h.svc.Close()
		h.svc = h.newService()
		sr.Error = ErrorName(h.svc.Initialize(ctx))
		h.svc.Start(ctx)
	}
	return sr
}

// signIn requests a magic link and follows it, as a user clicking the
// emailed link would.
func (h *Harness) signIn(ctx context.Context, email string) error {
	if err := h.auth.SignInWithEmail(ctx, email); err != nil {
		return err
	}
	normalized, err := auth.NormalizeEmail(email)
	if err != nil {
		return err
	}
	_, err = h.auth.Verify(ctx, normalized, h.mailer.token(normalized))
	return err
}

func (h *Harness) resolve(step Step) string {
	if step.Ref != "" {
		return h.labels[step.Ref]
	}
	return step.ID
}

func target(step Step) string {
	if step.Ref != "" {
		return step.Ref
	}
	return step.ID
}

// outage makes the whole backend answer 503 while down is set.
type outage struct {
	next http.Handler
	down atomic.Bool
}

func (o *outage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o.down.Load() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"service unavailable","msg":"service unavailable"}`))
		return
	}
	o.next.ServeHTTP(w, r)
}

// inbox is a Mailer that keeps the latest token per address.
type inbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *inbox) SendMagicLink(_ context.Context, link server.MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		m.tokens = make(map[string]string)
	}
	m.tokens[link.Email] = link.Token
	return nil
}

func (m *inbox) token(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[email]
}
