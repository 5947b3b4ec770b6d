package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ritual/internal/config"
	"github.com/roach88/ritual/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr          string
	Database      string
	PurgeInterval time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bundled auth and intentions backend",
		Long: `Run a self-hosted backend speaking the auth and intentions REST
contracts the client uses. Magic links are written to the log.

The server runs until interrupted (Ctrl-C or SIGTERM), then shuts down
gracefully.

Examples:
  ritual serve
  ritual serve --addr :8080 --db ./backend.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config, "+config.DefaultServeAddr+")")
	cmd.Flags().StringVar(&opts.Database, "db", "", "backend database (default backend.db next to --data)")
	cmd.Flags().DurationVar(&opts.PurgeInterval, "purge-interval", time.Minute, "how often expired sessions and links are purged")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	configureLogging(cmd.ErrOrStderr(), opts.logLevel(slog.LevelInfo))

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return exitErr(f, WrapExitError(ExitCommandError, "failed to load config", err))
	}
	if cfg.Serve.AnonKey == "" {
		return f.Fail("cannot serve", fmt.Errorf("%w: serve.anon_key is not set", config.ErrMissingBackend), nil)
	}
	if opts.PurgeInterval <= 0 {
		return exitErr(f, NewExitError(ExitCommandError, "--purge-interval must be positive"))
	}

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Serve.Addr
	}
	dbPath := opts.Database
	if dbPath == "" {
		dbPath = filepath.Join(filepath.Dir(cfg.DataPath), "backend.db")
	}

	slog.Info("opening database", "path", dbPath)
	st, err := openStore(dbPath)
	if err != nil {
		return exitErr(f, WrapExitError(ExitCommandError, "failed to open database", err))
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	srv := server.New(server.Options{
		Store:        st,
		AnonKey:      cfg.Serve.AnonKey,
		Logger:       slog.Default(),
		SiteURL:      cfg.Serve.SiteURL,
		MagicLinkTTL: cfg.Serve.MagicLinkTTL,
		SessionTTL:   cfg.Serve.SessionTTL,
		RefreshTTL:   cfg.Serve.RefreshTTL,
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return exitErr(f, WrapExitError(ExitCommandError, "failed to listen", err))
	}

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if f.Format == "json" {
		if err := f.Success(map[string]string{"addr": ln.Addr().String(), "db": dbPath}); err != nil {
			ln.Close()
			return err
		}
	} else {
		fmt.Fprintf(f.Writer, "Backend listening on http://%s\n", ln.Addr())
		fmt.Fprintln(f.Writer, "Press Ctrl-C to stop.")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		return srv.RunJanitor(gctx, opts.PurgeInterval)
	})
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "backend error", err)
	}

	slog.Info("backend stopped gracefully")
	return nil
}
