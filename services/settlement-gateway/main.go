package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"bookpay/gateway/auth"
	"bookpay/gateway/middleware"
	"bookpay/native/fees"
	"bookpay/native/settlement"
	"bookpay/observability/logging"
	"bookpay/observability/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to gateway YAML configuration")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		slog.Error("configuration error", slog.Any("err", err))
		os.Exit(1)
	}
	logger := logging.Setup("settlement-gateway", cfg.Environment)

	key, err := LoadSigningKey(cfg.SignerKeyEnv)
	if err != nil {
		logger.Error("signing key unavailable", slog.Any("err", err))
		os.Exit(1)
	}
	signer, err := settlement.NewSigner(key, cfg.AuthorizationTTL())
	if err != nil {
		logger.Error("signer init failed", slog.Any("err", err))
		os.Exit(1)
	}

	schedule := fees.DefaultSchedule()
	if cfg.FeeSchedulePath != "" {
		schedule, err = fees.LoadSchedule(cfg.FeeSchedulePath)
		if err != nil {
			logger.Error("fee schedule load failed", slog.String("path", cfg.FeeSchedulePath), slog.Any("err", err))
			os.Exit(1)
		}
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Error("database connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	store := NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Error("database migration failed", slog.Any("err", err))
		os.Exit(1)
	}

	nonceStore, err := auth.NewLevelDBNoncePersistence(cfg.NonceStorePath)
	if err != nil {
		logger.Error("nonce store init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer nonceStore.Close()
	authn := auth.NewAuthenticator(cfg.APIKeys, 0, 0, nil, nonceStore)

	auths, err := NewAuthorizationStore(cfg.AuthStorePath)
	if err != nil {
		logger.Error("authorization store init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer auths.Close()

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "settlement-gateway",
		MetricsPrefix: "gateway",
		LogRequests:   cfg.LogRequests,
	}, logger)
	m := metrics.NewSettlement(obs.Registry(), "bookpay")
	limiter := middleware.NewRateLimiter(cfg.RateLimits, logger)

	server := NewServer(cfg, logger, store, signer, schedule, auths, authn, obs, limiter, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	recon := newReconciler(store, auths, logger, m, cfg.Recon, cfg.ReconInterval())
	go recon.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           http.TimeoutHandler(server.Routes(), cfg.RequestTimeout(), "request timed out"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.Any("err", err))
		}
	}()

	logger.Info("settlement gateway listening",
		slog.String("addr", cfg.ListenAddress),
		slog.String("environment", cfg.Environment),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("err", err))
		os.Exit(1)
	}
}
