package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/audit"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/config"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/daemon"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/db"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/license"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/stream"
	"github.com/Bigsgotchu/rinawarp-terminal-pro-sub016/internal/workspace"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const daemonLockName = "daemon"

func serveCmd(c *cli) *cobra.Command {
	var (
		addr  string
		roots []string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local agent daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			for _, r := range roots {
				abs, err := filepath.Abs(r)
				if err != nil {
					return fmt.Errorf("allow-root %s: %w", r, err)
				}
				cfg.Workspace.AllowedRoots = append(cfg.Workspace.AllowedRoots, abs)
			}

			app := newDaemonApp(cfg)
			startCtx, cancel := context.WithTimeout(cmd.Context(), app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			sig := <-app.Done()
			log.Info().Str("signal", sig.String()).Msg("shutting down")

			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
			defer stopCancel()
			return app.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringArrayVar(&roots, "allow-root", nil, "additional allowed workspace root (repeatable)")
	return cmd
}

func newDaemonApp(cfg config.Config) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(
			provideDaemonLock,
			provideDB,
			audit.NewStore,
			stream.NewHub,
			newLicenseSession,
			provideServer,
		),
		fx.Invoke(
			recoverInterruptedRuns,
			registerJanitor,
			registerHTTP,
		),
	)
}

// provideDaemonLock keeps a second daemon from sharing the state directory.
func provideDaemonLock(lc fx.Lifecycle, cfg config.Config) (*audit.Lock, error) {
	lock, err := audit.TryAcquireLock(cfg.StateDir, daemonLockName)
	if errors.Is(err, audit.ErrLocked) {
		return nil, fmt.Errorf("another daemon is using %s: %w", cfg.StateDir, err)
	}
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(lock.Release))
	return lock, nil
}

func provideDB(lc fx.Lifecycle, cfg config.Config, _ *audit.Lock) (*sql.DB, error) {
	database, err := db.Open(db.Path(cfg.StateDir))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(database.Close))
	return database, nil
}

func provideServer(cfg config.Config, store *audit.Store, hub *stream.Hub, session *license.Session) *daemon.Server {
	return daemon.NewServer(daemon.Options{
		Version:        version,
		AuthToken:      cfg.Server.AuthToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedRoots:   workspace.Roots(cfg.Workspace.AllowedRoots),
	}, daemon.Deps{
		Engine:  newEngine(cfg),
		Doctor:  newDoctorEngine(cfg),
		Hub:     hub,
		Store:   store,
		License: session,
	})
}

// recoverInterruptedRuns closes out runs a previous process left running.
func recoverInterruptedRuns(lc fx.Lifecycle, store *audit.Store) {
	lc.Append(fx.StartHook(func(ctx context.Context) error {
		n, err := store.MarkInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("recover interrupted runs: %w", err)
		}
		if n > 0 {
			log.Warn().Int("runs", n).Msg("marked runs from a previous daemon as cancelled")
		}
		return nil
	}))
}

func registerJanitor(lc fx.Lifecycle, cfg config.Config, store *audit.Store) error {
	if cfg.Retention.Schedule == "" {
		return nil
	}
	j, err := audit.NewJanitor(store, cfg.StateDir, cfg.RetentionPolicy(), cfg.Retention.Schedule)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			j.Start()
			return nil
		},
		OnStop: j.Stop,
	})
	return nil
}

func registerHTTP(lc fx.Lifecycle, cfg config.Config, srv *daemon.Server) {
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
			}
			log.Info().Str("addr", ln.Addr().String()).Str("version", version).Msg("daemon listening")
			go func() {
				if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			grace, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace)
			defer cancel()
			if err := srv.Shutdown(grace); err != nil {
				log.Warn().Err(err).Msg("runs still active at shutdown")
			}
			return httpServer.Shutdown(ctx)
		},
	})
}
