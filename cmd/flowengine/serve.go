package main

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

	"github.com/rendis/flowengine/internal/engine"
	"github.com/rendis/flowengine/internal/metrics"
	"github.com/rendis/flowengine/internal/panel"
	"github.com/rendis/flowengine/internal/scheduler"
	"github.com/rendis/flowengine/internal/store"
	"github.com/rendis/flowengine/internal/streaming"
	"github.com/rendis/flowengine/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the debug panel",
		Long:  `Serves the HTTP panel (runs, events, diagrams, SSE, metrics), fires scheduled triggers and records every run in the database.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&c.cfg.ListenAddr, "listen", c.cfg.ListenAddr, "HTTP listen address")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	logger := c.logger()
	if c.cfg.FlowDir == "" {
		return schema.NewError(schema.ErrCodeValidation, "serve needs a flow directory")
	}

	st, err := openStore(ctx, c.cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := streaming.NewMemoryHub()
	eventLog := store.NewEventLog(st, logger)
	go func() {
		if err := eventLog.Follow(ctx, hub); err != nil {
			logger.Error("event log stopped", slog.String("error", err.Error()))
		}
	}()

	collector := metrics.NewCollector("")
	a, err := newApp(ctx, c.cfg, logger, appOptions{
		Recorder: store.NewRecorder(st),
		Hub:      hub,
		Metrics:  collector,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher := engine.NewDispatcher(a.driver, c.cfg.PoolSize)
	defer dispatcher.Shutdown()

	sched := scheduler.NewScheduler(st, &scheduler.DispatchRunner{Flows: a.flows, Dispatcher: dispatcher},
		scheduler.Options{Metrics: collector, Logger: logger})
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("recover missed triggers", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr: c.cfg.ListenAddr,
		Handler: panel.NewPanelServer(panel.PanelDeps{
			Store:      st,
			EventLog:   eventLog,
			Hub:        hub,
			Metrics:    collector,
			Flows:      a.flows,
			Dispatcher: dispatcher,
			Scheduler:  sched,
			Logger:     logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("panel listening", slog.String("addr", srv.Addr), slog.String("flow_dir", c.cfg.FlowDir))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", slog.String("error", err.Error()))
		return srv.Close()
	}
	return nil
}
