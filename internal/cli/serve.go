package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	web "idemgate/internal/adapters/http"
	"idemgate/internal/application/orchestrators"
)

// shutdownTimeout bounds graceful shutdown of the server and scheduler.
const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the recovery scanner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := build(ctx, cfg, opts.Version)
			if err != nil {
				return err
			}
			defer closeQuietly(c)
			return serve(ctx, c, opts.Version)
		},
	}
}

// serve runs until ctx ends, then shuts the server down before the
// scheduler so no admin-triggered tick starts after Stop.
func serve(ctx context.Context, c *components, version string) error {
	scheduler, err := orchestrators.NewRecoveryScheduler(c.recoveryDeps(), c.cfg.Recovery.Interval, slog.Default())
	if err != nil {
		return err
	}

	api := web.NewServer(web.Config{
		Store:          c.store,
		Engine:         c.engineDeps(),
		Recovery:       scheduler,
		Collector:      c.collector,
		AdminTokenHash: []byte(c.cfg.AdminTokenHash),
		RateLimitRPS:   c.cfg.RateLimitRPS,
		SlowRequest:    c.cfg.SlowRequest,
	})
	srv := &http.Server{
		Addr:              c.cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server_starting",
			"version", version,
			"addr", c.cfg.Addr,
			"store", c.cfg.Store,
			"admin", len(c.cfg.AdminTokenHash) > 0,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("server_stopping")
		return errors.Join(srv.Shutdown(shutdownCtx), scheduler.Stop(shutdownCtx))
	})
	return g.Wait()
}
