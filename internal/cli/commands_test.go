package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ritual/internal/config"
	"github.com/roach88/ritual/internal/intention"
	"github.com/roach88/ritual/internal/ritual"
	"github.com/roach88/ritual/internal/server"
	"github.com/roach88/ritual/internal/store"
)

const testAnonKey = "anon-key"

// inbox keeps the last magic-link token per email.
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

// cliEnv is an isolated environment: its own config dir, database and,
// optionally, a running backend.
type cliEnv struct {
	dir     string
	env     map[string]string
	backend *httptest.Server
	inbox   *inbox
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	return &cliEnv{
		dir: dir,
		env: map[string]string{
			"XDG_CONFIG_HOME": dir,
			config.EnvData:    filepath.Join(dir, "data", "ritual.db"),
		},
	}
}

// withBackend starts the bundled backend and points the CLI at it.
func (e *cliEnv) withBackend(t *testing.T) *cliEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	e.inbox = &inbox{}
	e.backend = httptest.NewServer(server.New(server.Options{
		Store:   st,
		AnonKey: testAnonKey,
		Mailer:  e.inbox,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}))
	t.Cleanup(func() {
		e.backend.Close()
		_ = st.Close()
	})

	e.env[config.EnvURL] = e.backend.URL
	e.env[config.EnvAnonKey] = testAnonKey
	return e
}

// run executes the CLI and returns stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Getenv: func(k string) string { return e.env[k] }})
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// mustRun executes the CLI and fails the test on error.
func (e *cliEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := e.run(t, args...)
	require.NoError(t, err, out)
	return out
}

type listJSON struct {
	Status string `json:"status"`
	Data   struct {
		Mode     string              `json:"mode"`
		Identity *intention.Identity `json:"identity"`
		Manifest []intention.Record  `json:"manifest"`
		Release  []intention.Record  `json:"release"`
		SignIn   string              `json:"sign_in_hint"`
	} `json:"data"`
}

func (e *cliEnv) list(t *testing.T, extra ...string) listJSON {
	t.Helper()
	out := e.mustRun(t, append([]string{"list", "--format", "json"}, extra...)...)
	var resp listJSON
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

type intentionJSON struct {
	Status string `json:"status"`
	Data   struct {
		Mode    string            `json:"mode"`
		Record  *intention.Record `json:"record"`
		Notices []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"notices"`
	} `json:"data"`
	Error *CLIError `json:"error"`
}

func decodeIntention(t *testing.T, out string) intentionJSON {
	t.Helper()
	var resp intentionJSON
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestAnonymousFlow(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun(t, "call", "write", "code")
	assert.Contains(t, out, "Intention created! Sign in to sync across devices")
	assert.Contains(t, out, `"write code"`)
	assert.Contains(t, out, "unsealed")

	out = e.mustRun(t, "burn", "old grudge", "--format", "json")
	burned := decodeIntention(t, out)
	assert.Equal(t, "ok", burned.Status)
	assert.Equal(t, "anonymous", burned.Data.Mode)
	require.NotNil(t, burned.Data.Record)
	assert.Equal(t, intention.Release, burned.Data.Record.Kind)
	require.Len(t, burned.Data.Notices, 1)
	assert.Equal(t, "info", burned.Data.Notices[0].Level)
	assert.Equal(t, "Released to the mystical flames! Sign in to sync across devices", burned.Data.Notices[0].Message)

	listed := e.list(t)
	assert.Equal(t, "anonymous", listed.Data.Mode)
	assert.Nil(t, listed.Data.Identity)
	require.Len(t, listed.Data.Manifest, 1)
	require.Len(t, listed.Data.Release, 1)
	assert.Equal(t, "write code", listed.Data.Manifest[0].Text)
	assert.False(t, listed.Data.Manifest[0].Sealed)
	assert.NotEmpty(t, listed.Data.SignIn)

	id := listed.Data.Manifest[0].ID
	sealed := decodeIntention(t, e.mustRun(t, "seal", id, "--format", "json"))
	require.NotNil(t, sealed.Data.Record)
	assert.True(t, sealed.Data.Record.Sealed)
	assert.True(t, e.list(t, "--kind", "manifest").Data.Manifest[0].Sealed)

	out = e.mustRun(t, "remove", id)
	assert.Contains(t, out, "Local intention removed")

	listed = e.list(t)
	assert.Empty(t, listed.Data.Manifest)
	assert.Len(t, listed.Data.Release, 1)
}

func TestListText(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun(t, "call", "first")
	e.mustRun(t, "call", "second")

	out := e.mustRun(t, "list", "--kind", "call")
	assert.Contains(t, out, "Face East • Call It In (2)")
	assert.NotContains(t, out, "Burn It")
	assert.Less(t, strings.Index(out, `"second"`), strings.Index(out, `"first"`), "newest first")
	assert.Contains(t, out, "Sign in to sync your intentions across all devices")

	out = e.mustRun(t, "list", "--kind", "release")
	assert.Contains(t, out, "Face West • Burn It (0)")
	assert.Contains(t, out, "(none)")
}

func TestListInvalidKind(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "list", "--kind", "wish", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, CodeValidation, decodeIntention(t, out).Error.Code)
}

func TestCallEmptyTextIsRejected(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "call", "   ", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decodeIntention(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeValidation, resp.Error.Code)
	assert.Empty(t, e.list(t).Data.Manifest)
}

func TestRemoveUnknownLocalID(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "remove", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestSealUnknownLocalID(t *testing.T) {
	e := newCLIEnv(t)
	_, err := e.run(t, "seal", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, intention.ErrNotFound)
}

func TestLoginWithoutBackend(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "login", "ada@example.com", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, CodeConfig, decodeIntention(t, out).Error.Code)
}

func TestLoginOldVersionHasNoCloudSync(t *testing.T) {
	e := newCLIEnv(t).withBackend(t)
	_, err := e.run(t, "login", "ada@example.com", "--app-version", "v1.0.0")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrMissingBackend)
}

func TestSignInFlow(t *testing.T) {
	e := newCLIEnv(t).withBackend(t)

	e.mustRun(t, "call", "local wish")

	out := e.mustRun(t, "login", "Ada@Example.com")
	assert.Contains(t, out, "Magic link sent! Check your email")
	token := e.inbox.token("ada@example.com")
	require.NotEmpty(t, token)

	out = e.mustRun(t, "verify", "ada@example.com", token)
	assert.Contains(t, out, "Welcome to the mystical realm!")

	out = e.mustRun(t, "call", "write code")
	assert.Contains(t, out, "Intention sealed and sent to the universe!")

	listed := e.list(t)
	assert.Equal(t, "authenticated", listed.Data.Mode)
	require.NotNil(t, listed.Data.Identity)
	assert.Equal(t, "ada@example.com", listed.Data.Identity.Email)
	require.Len(t, listed.Data.Manifest, 1, "local records are not merged")
	assert.Equal(t, "write code", listed.Data.Manifest[0].Text)
	assert.True(t, listed.Data.Manifest[0].Sealed)
	assert.Empty(t, listed.Data.SignIn)

	id := listed.Data.Manifest[0].ID
	out, err := e.run(t, "seal", id)
	require.Error(t, err)
	assert.ErrorIs(t, err, intention.ErrAlreadySealed)
	assert.Contains(t, out, "Authenticated intentions are automatically sealed")
	assert.Contains(t, out, "Error [E004]")

	out = e.mustRun(t, "whoami")
	assert.Contains(t, out, "ada@example.com")

	out = e.mustRun(t, "remove", id)
	assert.Contains(t, out, "Intention released from the universe")
	assert.Empty(t, e.list(t).Data.Manifest)

	out = e.mustRun(t, "logout")
	assert.Contains(t, out, "You have left the mystical realm. Until next time...")

	listed = e.list(t)
	assert.Equal(t, "anonymous", listed.Data.Mode)
	require.Len(t, listed.Data.Manifest, 1)
	assert.Equal(t, "local wish", listed.Data.Manifest[0].Text)

	out = e.mustRun(t, "logout")
	assert.Contains(t, out, "Not signed in")
}

func TestVerifyBadToken(t *testing.T) {
	e := newCLIEnv(t).withBackend(t)
	e.mustRun(t, "login", "ada@example.com")

	out, err := e.run(t, "verify", "ada@example.com", "000000-wrong", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, CodeAuthTransport, decodeIntention(t, out).Error.Code)
	assert.Equal(t, "anonymous", e.list(t).Data.Mode)
}

func TestBackendUnreachable(t *testing.T) {
	e := newCLIEnv(t).withBackend(t)
	e.mustRun(t, "login", "ada@example.com")
	e.mustRun(t, "verify", "ada@example.com", e.inbox.token("ada@example.com"))
	e.backend.Close()

	// The view still loads, empty, with an error notice.
	out := e.mustRun(t, "list")
	assert.Contains(t, out, "Failed to load your intentions")

	out, err := e.run(t, "call", "old grudge")
	require.Error(t, err)
	assert.ErrorIs(t, err, intention.ErrRemoteUnavailable)
	assert.Contains(t, out, "Failed to save intention")
	assert.Contains(t, out, "Error [E003]")

	// Sign-out clears the session even though the backend is gone.
	out, err = e.run(t, "logout")
	require.Error(t, err)
	assert.Contains(t, out, "Error signing out")
	assert.Equal(t, "anonymous", e.list(t).Data.Mode)
}

func TestWhoamiAnonymous(t *testing.T) {
	e := newCLIEnv(t)
	out := e.mustRun(t, "whoami")
	assert.Equal(t, "anonymous\n", out)

	out = e.mustRun(t, "whoami", "--format", "json", "--app-version", "v1.1.0")
	var resp struct {
		Data WhoamiResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, ritual.Anonymous, resp.Data.Mode)
	assert.Equal(t, "v1.1.0", resp.Data.AppVersion)
	assert.False(t, resp.Data.CloudSync)
}

func TestVersionsCommand(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun(t, "versions")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "* v1.2.0"), lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "  v1.0.0"), lines[2])

	out = e.mustRun(t, "versions", "--format", "json", "--app-version", "v1.0.0")
	var resp struct {
		Data []VersionInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 3)
	assert.Equal(t, "v1.2.0", resp.Data[0].ID)
	assert.True(t, resp.Data[0].CloudSync)
	assert.True(t, resp.Data[0].Active)
	assert.False(t, resp.Data[0].Current)
	assert.True(t, resp.Data[2].Current)
}

func TestUnknownAppVersion(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "list", "--app-version", "v9.9.9")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E008]")
}

func TestVersionsNamespaceLocalData(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun(t, "call", "from v1", "--app-version", "v1.0.0")

	assert.Empty(t, e.list(t).Data.Manifest)
	old := e.list(t, "--app-version", "v1.0.0")
	require.Len(t, old.Data.Manifest, 1)
	assert.Empty(t, old.Data.SignIn, "no sign-in hint without cloud sync")
}

func TestLocalClear(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun(t, "call", "current")
	e.mustRun(t, "call", "older", "--app-version", "v1.1.0")

	out := e.mustRun(t, "local", "clear")
	assert.Contains(t, out, "1 key(s)")
	assert.Empty(t, e.list(t).Data.Manifest)
	assert.Len(t, e.list(t, "--app-version", "v1.1.0").Data.Manifest, 1)

	out = e.mustRun(t, "local", "clear", "--all", "--format", "json")
	var resp struct {
		Data ClearResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"mystical-desires-v1.1.0"}, resp.Data.Keys)
	assert.Empty(t, e.list(t, "--app-version", "v1.1.0").Data.Manifest)
}

func TestLocalClearKeepsSession(t *testing.T) {
	e := newCLIEnv(t).withBackend(t)
	e.mustRun(t, "login", "ada@example.com")
	e.mustRun(t, "verify", "ada@example.com", e.inbox.token("ada@example.com"))

	e.mustRun(t, "local", "clear", "--all")
	assert.Equal(t, "authenticated", e.list(t).Data.Mode)
}

func TestConfigFile(t *testing.T) {
	e := newCLIEnv(t)
	path := filepath.Join(e.dir, "custom.yaml")
	data := filepath.Join(e.dir, "from-file.db")
	require.NoError(t, os.WriteFile(path, []byte("data: "+data+"\napp_version: v1.1.0\n"), 0o644))
	delete(e.env, config.EnvData)

	e.mustRun(t, "call", "configured", "--config", path)
	_, err := os.Stat(data)
	require.NoError(t, err)

	_, err = e.run(t, "list", "--config", filepath.Join(e.dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestServeCommand(t *testing.T) {
	e := newCLIEnv(t)
	e.env[config.EnvAnonKey] = testAnonKey
	dbPath := filepath.Join(e.dir, "backend.db")

	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{Getenv: func(k string) string { return e.env[k] }})
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"serve", "--addr", "127.0.0.1:0", "--db", dbPath, "--purge-interval", "10ms"})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after context cancellation")
	}

	assert.Contains(t, out.String(), "Backend listening on http://127.0.0.1:")
	_, err := os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestServeRequiresAnonKey(t *testing.T) {
	e := newCLIEnv(t)
	out, err := e.run(t, "serve", "--addr", "127.0.0.1:0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "serve.anon_key")
}
