package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/davidahmann/finagent/internal/metrics"
	"github.com/davidahmann/finagent/internal/orchestrator"
)

type healthSource interface {
	Health() orchestrator.HealthReport
}

func newRouter(h healthSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := h.Health()
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func newWorkerCmd(opts *options, getenv envFn) *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued notifications and serve /metrics and /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(cmd, opts, getenv, func(_ context.Context, a *app) error {
				return runWorker(ctx, a, firstNonEmpty(listenAddr, a.cfg.Metrics.ListenAddr))
			})
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "metrics listen address (default from config)")
	return cmd
}

func runWorker(ctx context.Context, a *app, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	server := &http.Server{
		Addr:              addr,
		Handler:           newRouter(a.orch),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.outbox.Run(ctx, a.cfg.Outbox.PollInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("finagent worker listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = server.Shutdown(shutdownCtx)
	<-done

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
