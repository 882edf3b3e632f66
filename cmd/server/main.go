package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fintt/settlement-engine/internal/app"
	"github.com/fintt/settlement-engine/internal/auth"
	"github.com/fintt/settlement-engine/internal/config"
	"github.com/fintt/settlement-engine/internal/logging"
	"github.com/fintt/settlement-engine/internal/metrics"
	"github.com/fintt/settlement-engine/internal/settlement"
	"github.com/fintt/settlement-engine/internal/trade"
)

const healthTimeout = 2 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// No logger yet; zap's example logger writes plain JSON to stdout.
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}

	logger, syncLogger, err := logging.New(cfg.Logging)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer syncLogger()

	if err := run(cfg, logger); err != nil {
		logger.Error("settlement-engine exited", zap.Error(err))
		syncLogger()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub(logger.Named("ws"))
	go wsHub.Run(ctx)

	// --- Settlement engine ---
	a, err := app.New(ctx, cfg, logger, settlement.WithObserver(wsHub.Broadcast))
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Trade service ---
	tradeSvc := trade.NewService(a.Engine, logger.Named("trade"))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS for browser clients of the API and ledger feed.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := a.Engine.Ping(ctx); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable","service":"settlement-engine"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"settlement-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Auth.JWTSecret != "" {
			r.Use(auth.NewVerifier(cfg.Auth.JWTSecret).Middleware(logger.Named("auth")))
		} else {
			logger.Warn("JWT_SECRET not set, API is unauthenticated")
		}

		// WebSocket ledger feed. Long-lived, so outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.WriteTimeout))
			tradeSvc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlement-engine listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("quote_provider", cfg.Quote.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Graceful shutdown.
	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server error")
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down settlement-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	logger.Info("settlement-engine stopped")
	return nil
}
