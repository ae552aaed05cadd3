package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/openmux/browsermux/cmd/api/api"
	"github.com/openmux/browsermux/cmd/config"
	"github.com/openmux/browsermux/lib/logger"
	"github.com/openmux/browsermux/lib/pool"
	"github.com/openmux/browsermux/lib/session"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "config", cfg)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)

	registry := session.NewRegistry(session.RegistryOptions{
		Endpoint:                cfg.BrowserEndpoint,
		ScreencastQuality:       cfg.ScreencastQuality,
		ScreencastEveryNthFrame: cfg.ScreencastEveryNthFrame,
		ViewportWidth:           cfg.ViewportWidth,
		ViewportHeight:          cfg.ViewportHeight,
	}, slogger)
	poolClient := pool.New(cfg.PoolBaseURL())

	apiService := api.New(cfg, registry, poolClient)
	apiService.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
}
