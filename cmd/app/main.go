package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"depositguard/internal/booking"
	"depositguard/internal/config"
	"depositguard/internal/db"
	"depositguard/internal/deposit"
	"depositguard/internal/logger"
	"depositguard/internal/notify"
	"depositguard/internal/processor"
	"depositguard/internal/provider"
	"depositguard/internal/scheduler"
	"depositguard/internal/server"

	"github.com/redis/go-redis/v9"
)

// @title DepositGuard API
// @version 1.0
// @description Deposit protection and completion confirmation for service bookings.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	logger.Init()
	logger.Info("Starting DepositGuard application")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Connecting to database...")
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	logger.Info("Database connected")

	if err := db.RunMigrations(database, "migrations"); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Migrations completed")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	notifier := notify.New(
		cfg.EmailFrom,
		cfg.EmailFromName,
		cfg.SMTPHost,
		cfg.SMTPPort,
		cfg.SMTPUser,
		cfg.SMTPPass,
		cfg.RedisAddr,
	)
	defer notifier.Close()
	logger.Info("Notification service initialized")

	bookingRepo := booking.NewRepository(database)
	providerRepo := provider.NewRepository(database)
	processorClient := processor.NewHTTPClient(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey)

	depositService := deposit.NewService(
		bookingRepo,
		providerRepo,
		processorClient,
		notifier,
		time.Duration(cfg.ConfirmationGraceHours)*time.Hour,
	)

	sweeper := scheduler.New(bookingRepo, depositService,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go notifier.Start(ctx)
	go sweeper.Run(ctx)

	srv := server.New(database, cfg, redisClient, depositService)

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal: %v", sig)
	case err := <-serverErrChan:
		logger.Errorf("Server error: %v", err)
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error during server shutdown: %v", err)
	}

	logger.Info("Server stopped")
}
