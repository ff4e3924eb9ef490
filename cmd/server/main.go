package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ocrgateway/internal/auth"
	"ocrgateway/internal/config"
	"ocrgateway/internal/credentials"
	"ocrgateway/internal/drive"
	"ocrgateway/internal/handlers"
	"ocrgateway/internal/router"
	"ocrgateway/internal/services"
	"ocrgateway/internal/utils"
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger := utils.NewLogger(cfg.LogLevel)

	// Wire the OCR stack: credentials feed the token broker, the broker
	// feeds the session rotator, sessions drive the remote client.
	source := credentials.NewFileSource(cfg.ServiceAccountsJSON, cfg.CredentialsDir, logger)
	broker := auth.NewBroker(cfg.DriveScope, cfg.RemoteTimeout, source.CleanupEphemeral, logger)
	rotator := auth.NewRotator(source, broker, cfg.SessionPoolSize, logger)
	driveClient := drive.NewClient(cfg.RemoteTimeout, cfg.OCRLanguage, logger)

	ocrService := services.NewService(rotator, driveClient, cfg, logger)
	ocrHandler := handlers.NewOCRHandler(ocrService, source, cfg, logger)

	// Setup HTTP router
	handler := router.NewRouter(ocrHandler, cfg.StaticDir, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Batches wait for every remote round trip before responding, so
		// writes need far more room than reads.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	source.CleanupEphemeral()
	logger.Info("Server exited")
}
