package main

import (
	"context"
	"log" // Use standard log only for fatal errors before the logger is set up
	"os"
	"os/signal"
	"syscall"

	"github.com/thuanavasosoft/bitbot-sub001/config"
	"github.com/thuanavasosoft/bitbot-sub001/internal/adapters/logger"
	"github.com/thuanavasosoft/bitbot-sub001/internal/app"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer appLogger.Sync()
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	bot, err := app.New(cfg, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), "Failed to initialize application", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Run(ctx); err != nil {
		appLogger.Error(context.Background(), "Bot exited with error", map[string]interface{}{"error": err.Error()})
		appLogger.Sync()
		os.Exit(1)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
