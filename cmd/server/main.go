package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"energy-bap/config"
	"energy-bap/internal/api"
	"energy-bap/internal/broker"
	"energy-bap/internal/redisclient"
	"energy-bap/internal/service"
	"energy-bap/internal/store"
	"energy-bap/internal/util"
	"energy-bap/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting energy BAP service")

	tp, err := util.InitTracer("energy-bap", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTransactions)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	defaultTTL := time.Duration(cfg.Protocol.DefaultTTLSeconds) * time.Second
	ledger := service.NewLedger(db, defaultTTL)
	engine := service.NewReservationEngine(db, redisClient)
	bppClient := service.NewBppClient(
		cfg.Protocol.GatewayURL,
		cfg.Protocol.BapID,
		cfg.Protocol.BapURI,
		cfg.Protocol.Domain,
		cfg.Protocol.DispatchRatePerSec,
	)
	correlator := service.NewCorrelator(ledger, engine, db, eventPublisher, bppClient)

	ctx := context.Background()
	if err := engine.SyncHeadroom(ctx); err != nil {
		log.Printf("Failed to sync offer headroom to Redis: %v", err)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepInterval := time.Duration(cfg.Protocol.SweepIntervalSecs) * time.Second
	expiryWorker := worker.NewExpiryWorker(correlator, redisClient, sweepInterval)
	go func() {
		if err := expiryWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Expiry worker error: %v", err)
		}
	}()

	statsConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTransactions, cfg.Kafka.ConsumerGroup)
	statsWorker := worker.NewStatsWorker(statsConsumer, db)
	go func() {
		if err := statsWorker.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Stats worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(correlator)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	statsWorker.Stop()

	log.Println("Server exited")
}
