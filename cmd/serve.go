package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/campus-booking/internal/handler"
	"github.com/Shivanand-hulikatti/campus-booking/internal/sweeper"
)

var seedDemo bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the payment and registration API.

The server runs until SIGINT or SIGTERM, then drains in-flight requests
for up to server.shutdown_timeout. When reservations.hold_ttl is set, a
background sweeper releases seats held by abandoned card checkouts.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&seedDemo, "seed-demo", false, "create a demo resource and payer on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if seedDemo {
		if err := a.seedDemo(ctx); err != nil {
			return err
		}
	}

	h := handler.NewTransactionHandler(a.transactions(), a.webhooks, log)
	if a.webhooks == nil {
		log.Warn("gateway.webhook_secret is empty; the webhook endpoint is disabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.NewRouter(h, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	holds := sweeper.New(a.holds, cfg.Reservations.HoldTTL, cfg.Reservations.SweepInterval, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return holds.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info("server stopped")
		return nil
	})

	return g.Wait()
}
