package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/gorilla/mux"
	flag "github.com/spf13/pflag"

	"github.com/edutap-eu/esc-native-wallet/internal/bootstrap"
	"github.com/edutap-eu/esc-native-wallet/internal/config"
	"github.com/edutap-eu/esc-native-wallet/internal/handler"
	"github.com/edutap-eu/esc-native-wallet/internal/middleware"
	"github.com/edutap-eu/esc-native-wallet/internal/push"
	"github.com/edutap-eu/esc-native-wallet/internal/service"
	"github.com/edutap-eu/esc-native-wallet/internal/telemetry"
)

func main() {
	envFile := flag.String("env-file", "", "dotenv file to load before reading the environment (default .env when present)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		glog.NewLogger(glog.WithLoggerTypeConsole(), glog.WithWriter(os.Stderr)).
			Fatal("failed to load configuration", "error", err)
	}

	logger := bootstrap.NewLogger(cfg.Logging, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Fatal("failed to set up tracing", "error", err)
	}

	store, err := bootstrap.OpenStore(ctx, cfg.Registry, logger.With("component", "registry"))
	if err != nil {
		logger.Fatal("failed to open registry", "driver", cfg.Registry.Driver, "error", err)
	}
	defer store.Close()

	notifier, err := bootstrap.NewNotifier(store, cfg.Wallet, logger.With("component", "push"))
	if err != nil {
		logger.Fatal("failed to set up push delivery", "error", err)
	}

	var queue *push.Queue
	var enqueuer service.Enqueuer
	if !push.IsDisabled(notifier) {
		queue = push.NewQueue(notifier, cfg.Wallet.Push.QueueSize, cfg.Wallet.Push.JobTimeout, logger.With("component", "queue"))
		enqueuer = queue
		go queue.Run(ctx)
	}

	builder := bootstrap.NewPassBuilder(cfg.PassBuilder)
	settings := bootstrap.PassSettings(cfg.Wallet)

	registrationService := service.NewRegistrationService(store, store, builder, settings, logger.With("component", "registration"))
	issuerService := service.NewIssuerService(store, store, builder, notifier, enqueuer, settings, logger.With("component", "issuer"))

	passHandler := handler.NewPassHandler(registrationService)
	issuerHandler := handler.NewIssuerHandler(issuerService)
	healthHandler := handler.NewHealthHandler(cfg.Registry.Driver, !push.IsDisabled(notifier))

	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(logger.With("component", "http")))

	if cfg.Wallet.WebService != nil {
		passHandler.RegisterRoutes(r.PathPrefix("/v1").Subrouter())
	} else {
		logger.Warn("WEB_SERVICE_URL not set, wallet web service routes are not mounted")
	}

	issuer := r.PathPrefix("/api/v1/issuer").Subrouter()
	issuer.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))
	issuerHandler.RegisterRoutes(issuer, cfg.Issuer.JWTSecret)

	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting wallet web service",
			"addr", srv.Addr,
			"env", cfg.Server.Env,
			"pass_type", cfg.Wallet.PassTypeID,
			"push", !push.IsDisabled(notifier),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if queue != nil {
		select {
		case <-queue.Done():
		case <-shutdownCtx.Done():
			logger.Warn("notification queue did not drain before shutdown", "pending", queue.Pending())
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}

	logger.Info("server stopped gracefully")
}
