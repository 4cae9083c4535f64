package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/api"
	"github.com/sells-group/workflow-evolver/internal/monitoring"
	"github.com/sells-group/workflow-evolver/internal/sweep"
)

var (
	servePort    int
	serveNoSweep bool
)

// shutdownTimeout bounds graceful shutdown of the server and scheduler.
const shutdownTimeout = 30 * time.Second

// observedRunner reports each sweep to the monitoring collector.
type observedRunner struct {
	runner    sweep.Runner
	collector *monitoring.Collector
}

func (o observedRunner) Run(ctx context.Context) (*sweep.Report, error) {
	rep, err := o.runner.Run(ctx)
	o.collector.ObserveSweep(rep)
	return rep, err
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the scheduled sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		collector := monitoring.NewCollector(env.Store, time.Duration(cfg.Monitoring.StuckPatternMins)*time.Minute)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		if !serveNoSweep {
			sched, err := sweep.NewScheduler(cfg.Sweep.Schedule, observedRunner{runner: env.Sweeper, collector: collector}, 0)
			if err != nil {
				return err
			}
			sched.Start()
			zap.L().Info("sweep scheduled",
				zap.String("schedule", cfg.Sweep.Schedule),
				zap.Time("next", sched.Next()),
			)
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				sched.Stop(stopCtx)
			}()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewRouter(env.Service, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "serve the API without the scheduled sweep")
	rootCmd.AddCommand(serveCmd)
}
