package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-monitor/internal/monitoring"
	"github.com/sells-group/quote-monitor/internal/query"
	"github.com/sells-group/quote-monitor/internal/schedule"
	"github.com/sells-group/quote-monitor/internal/server"
)

var (
	servePort       int
	serveNoSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		sched := schedule.New(env.Monitor, env.Location)
		if !serveNoSchedule {
			n, err := sched.AddAll(env.Registry.All())
			if err != nil {
				return err
			}
			sched.Start(ctx)
			zap.L().Info("scheduler started", zap.Int("jobs", n))
		}

		if cfg.Alerts.Enabled {
			collector := monitoring.NewCollector(env.Runs, env.Registry.Names())
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Alerts), cfg.Alerts)
			go checker.Run(ctx)
		}

		handler := server.NewRouter(server.Deps{
			Monitor:     env.Monitor,
			Registry:    env.Registry,
			Query:       query.NewService(env.Store, env.Registry, env.Monitor),
			Runs:        env.Runs,
			Schedule:    sched,
			DataDir:     env.Store.Root(),
			StaticDir:   cfg.Server.StaticDir,
			CORSOrigins: cfg.Server.CORSOrigins,
			QuotesAPI:   cfg.Server.QuotesAPI,
			Concurrency: cfg.Monitor.Concurrency,
		})

		err = startServer(ctx, handler, resolvePort(servePort, cfg.Server.Port))

		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if serr := sched.Stop(stopCtx); serr != nil {
			zap.L().Warn("scheduler did not stop cleanly", zap.Error(serr))
		}
		return err
	},
}

// resolvePort prefers the flag over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startServer serves handler on port until ctx is cancelled, then shuts
// down gracefully.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}

	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSchedule, "no-schedule", false, "serve the API without running scheduled cycles")
	rootCmd.AddCommand(serveCmd)
}
