package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/ruralpay/ledger/docs"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/handlers"
	"github.com/ruralpay/ledger/internal/hsm"
	"github.com/ruralpay/ledger/internal/logging"
	mW "github.com/ruralpay/ledger/internal/middleware"
	"github.com/ruralpay/ledger/internal/monitoring"
	"github.com/ruralpay/ledger/internal/repository"
	"github.com/ruralpay/ledger/internal/services"
)

// @title Wallet Ledger API
// @version 1.0
// @description Custodial wallet ledger: transfers, escrow, QR payments and reconciliation
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg := config.Load()
	logger := logging.NewLogger(cfg.LogLevel)
	ctx := context.Background()

	docs.SwaggerInfo.Host = "localhost:" + cfg.Port

	db, err := database.InitDB(ctx, database.GetConfig(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		logger.WithError(err).Fatal("Failed to apply schema")
	}

	redisClient := database.InitRedis(ctx, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	hsmInstance, err := hsm.InitHSM(hsm.Config{
		MasterKey: cfg.Ledger.ServerSecret,
		Salt:      []byte(cfg.Ledger.MasterSalt),
		Argon2: hsm.Argon2Params{
			Time:       cfg.Argon2.Time,
			Memory:     cfg.Argon2.Memory,
			Threads:    cfg.Argon2.Threads,
			KeyLength:  cfg.Argon2.KeyLength,
			SaltLength: cfg.Argon2.SaltLength,
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize HSM")
	}

	metrics := monitoring.NewMetrics()
	engine := services.NewEngine(services.Deps{
		Store:     repository.NewPostgresStore(db),
		HSM:       hsmInstance,
		Config:    cfg.Ledger,
		Publisher: events.NewRedisPublisher(redisClient, cfg.Ledger.EventsQueue, logger),
		Metrics:   metrics,
		Logger:    logger,
	})
	if err := engine.EnsurePlatformWallet(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to provision platform wallet")
	}

	health := monitoring.NewHealthChecker("ledger")
	health.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	health.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", health.Handler())
	r.Handle("/metrics", metrics.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		handlers.Mount(r, engine, mW.NewAuth(cfg.JWT.SecretKey))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}
