package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/polydeck/terminal/api"
	"github.com/polydeck/terminal/internal/config"
	"github.com/polydeck/terminal/internal/risk"
	"github.com/polydeck/terminal/internal/sentinel"
	"github.com/polydeck/terminal/internal/telemetry"
	"github.com/polydeck/terminal/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("POLYDECK_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		zapLogger.Fatal("Failed to open audit database", zap.Error(err))
	}

	store, err := risk.NewRiskAuditStore(db, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize audit store", zap.Error(err))
	}

	riskCfg := risk.LoadRiskConfig(cfg.RiskConfigPath, zapLogger)
	guard := risk.NewRiskGuard(riskCfg, store, zapLogger,
		risk.WithConfigPath(cfg.RiskConfigPath))

	var emitter telemetry.Emitter = telemetry.Nop{}
	var publisher *telemetry.Publisher
	if cfg.TelemetryEnabled() {
		publisher = telemetry.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, zapLogger)
		emitter = publisher
	}

	sentinelCfg, err := sentinel.LoadSentinelConfig(cfg.SentinelConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to load sentinel config", zap.Error(err))
	}

	agent := sentinel.NewSentinelAgent(sentinelCfg, guard, zapLogger,
		sentinel.WithEmitter(emitter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sentinel only runs when agent trading is enabled; the risk API
	// stays up either way so the breaker can be reset.
	if riskCfg.AgentsEnabled {
		if err := agent.Start(ctx); err != nil {
			zapLogger.Fatal("Failed to start sentinel agent", zap.Error(err))
		}
	} else {
		zapLogger.Info("agents disabled, sentinel not started")
	}

	server := api.NewServer(zapLogger, guard, store, agent,
		api.WithCORSOrigins(cfg.CORSOrigins))

	go func() {
		if err := server.Start(cfg.ListenAddr); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutMS)*time.Millisecond)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shut down API server", zap.Error(err))
	}

	agent.Stop()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			zapLogger.Error("Failed to close telemetry publisher", zap.Error(err))
		}
	}

	zapLogger.Info("Server exited properly")
}
