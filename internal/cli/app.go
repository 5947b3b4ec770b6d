package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/roach88/ritual/internal/auth"
	"github.com/roach88/ritual/internal/config"
	"github.com/roach88/ritual/internal/localstore"
	"github.com/roach88/ritual/internal/remote"
	"github.com/roach88/ritual/internal/ritual"
	"github.com/roach88/ritual/internal/store"
	"github.com/roach88/ritual/internal/version"
)

// app is one CLI invocation's wiring: config, local database, clients and
// the intention service.
type app struct {
	cfg     *config.Config
	version version.Version
	store   *store.Store
	auth    *auth.Client
	local   *localstore.Adapter
	remote  *remote.Adapter
	svc     *ritual.Service
	notices *ritual.NoticeLog
}

// loadConfig reads the config and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath, opts.getenv)
	if err != nil {
		return nil, err
	}
	if opts.AppVersion != "" || opts.DataPath != "" {
		if opts.AppVersion != "" {
			cfg.AppVersion = opts.AppVersion
		}
		if opts.DataPath != "" {
			cfg.DataPath = opts.DataPath
		}
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openStore opens the SQLite database at path, creating its directory.
func openStore(path string) (*store.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return st, nil
}

// openApp wires the service for the configured app version and loads the
// current view. A failed remote load is not fatal: the service has already
// turned it into a notice and an empty view.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	ver, err := cfg.Version()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve app version", err)
	}

	slog.Debug("opening database", "path", cfg.DataPath, "app_version", ver.ID)
	st, err := openStore(cfg.DataPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Remote.Timeout}
	}
	logger := slog.Default()

	a := &app{
		cfg:     cfg,
		version: ver,
		store:   st,
		notices: &ritual.NoticeLog{},
	}
	a.auth = auth.New(auth.Config{
		URL:        cfg.URL,
		AnonKey:    cfg.AnonKey,
		RedirectTo: cfg.RedirectTo,
		Storage:    st,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	a.remote = remote.New(remote.Config{
		URL:        cfg.URL,
		AnonKey:    cfg.AnonKey,
		Sessions:   a.auth,
		HTTPClient: httpClient,
		Logger:     logger,
	})
	a.local = localstore.New(st, ver.StorageKey(), localstore.WithLogger(logger))
	a.svc = ritual.New(ritual.Deps{
		Auth:      a.auth,
		Local:     a.local,
		Remote:    a.remote,
		Notifier:  a.notices,
		Logger:    logger,
		CloudSync: ver.CloudSync(),
	})

	if err := a.svc.Initialize(ctx); err != nil {
		slog.Debug("initial load failed", "error", err)
	}
	a.svc.Start(ctx)
	return a, nil
}

// requireBackend fails when the invocation needs the hosted backend but
// it is not configured, or the app version predates cloud sync.
func (a *app) requireBackend() error {
	if !a.version.CloudSync() {
		return fmt.Errorf("%w: app version %s has no cloud sync", config.ErrMissingBackend, a.version.ID)
	}
	return a.cfg.RequireBackend()
}

func (a *app) Close() {
	a.svc.Close()
	if err := a.store.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// fail reports err, carrying any pending notices along with it.
func (a *app) fail(f *OutputFormatter, message string, err error) error {
	notices := a.notices.Drain()
	var details interface{}
	if len(notices) > 0 {
		details = map[string]interface{}{"notices": notices}
	}
	if f.Format != "json" {
		printNotices(f, notices)
	}
	return f.Fail(message, err, details)
}

// printNotices writes notices in text form.
func printNotices(f *OutputFormatter, notices []ritual.Notice) {
	for _, n := range notices {
		fmt.Fprintf(f.Writer, "%s %s\n", noticeMark(n.Level), n.Message)
	}
}

func noticeMark(level ritual.Level) string {
	switch level {
	case ritual.LevelSuccess:
		return "✓"
	case ritual.LevelError:
		return "✗"
	default:
		return "•"
	}
}

// exitErr reports an ExitError produced before the app was wired.
func exitErr(f *OutputFormatter, err error) error {
	var exit *ExitError
	if errors.As(err, &exit) && !exit.Reported {
		code := CodeConfig
		if exit.Code != ExitCommandError {
			code, _ = classify(exit.Err)
		}
		if outErr := f.Error(code, exit.Error(), nil); outErr != nil {
			return outErr
		}
		exit.Reported = true
		return exit
	}
	return err
}
