/**
 * Document extraction worker - main entry point
 *
 * Single binary running the whole extraction service:
 * - HTTP API for uploads, extraction triggers and result reads
 * - Asynq consumer driving the extraction pipeline
 * - SQL persistence (PostgreSQL or SQLite) for documents, content
 *   blocks and structured data
 * - Redis progress reporting on the extraction events channel
 * - Optional Qdrant vector indexing of enriched text blocks
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/docmill/extraction-worker/internal/config"
	"github.com/docmill/extraction-worker/internal/enrich"
	"github.com/docmill/extraction-worker/internal/extract"
	"github.com/docmill/extraction-worker/internal/httpapi"
	"github.com/docmill/extraction-worker/internal/logging"
	"github.com/docmill/extraction-worker/internal/ocr"
	"github.com/docmill/extraction-worker/internal/pipeline"
	"github.com/docmill/extraction-worker/internal/queue"
	"github.com/docmill/extraction-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLoggerWithOptions("worker", os.Stdout, logging.ParseLevel(cfg.LogLevel))
	logger.Info("worker starting",
		"database", cfg.DatabaseURL,
		"redis", cfg.RedisURL,
		"httpAddr", cfg.HTTPAddr,
		"concurrency", cfg.WorkerConcurrency)

	store, err := storage.NewSQLStore(cfg.DatabaseURL, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatalf("Failed to run migrations: %v", err)
	}
	cancelMigrate()
	logger.Info("database ready")

	redisClient, err := queue.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	reporters := []pipeline.Reporter{
		pipeline.NewLogReporter(logger),
		pipeline.NewRedisReporter(redisClient, logger),
	}

	engine := ocr.NewEngine(cfg.OCRLanguage)
	search := ocr.NewSearch(engine, cfg.OCRParallelism, logger)
	corrector := ocr.NewCorrector()
	extractors := extract.NewExtractorSet(logger)
	enricher := enrich.NewEnricher(logger)
	normalizer := enrich.NewTableNormalizer(logger)

	var indexer *storage.BlockIndexer
	if cfg.QdrantURL != "" && cfg.EmbeddingAPIKey != "" {
		index, err := storage.NewVectorIndex(cfg.QdrantURL, cfg.QdrantCollection, logger)
		if err != nil {
			log.Fatalf("Failed to connect to qdrant: %v", err)
		}
		defer index.Close()

		embedder, err := storage.NewEmbeddingClient(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, logger)
		if err != nil {
			log.Fatalf("Failed to configure embedding client: %v", err)
		}

		indexer = storage.NewBlockIndexer(embedder, index, logger)
		logger.Info("vector indexing enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("vector indexing disabled")
	}

	opts := pipeline.Options{
		Documents:           store,
		Content:             store,
		Structured:          store,
		Extractor:           extractors,
		Search:              search,
		Corrector:           corrector,
		Enricher:            enricher,
		Normalizer:          normalizer,
		Reporters:           reporters,
		Logger:              logger,
		MaxFileSize:         cfg.MaxFileSize,
		MaxConcurrentImages: cfg.MaxConcurrentImages,
		BranchTimeout:       time.Duration(cfg.BranchTimeout) * time.Millisecond,
		ProcessingTimeout:   time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
	}
	if indexer != nil {
		opts.Indexer = indexer
	}
	pipe := pipeline.NewPipeline(opts)

	consumer, err := queue.NewConsumer(queue.ConsumerConfig{
		RedisURL:          cfg.RedisURL,
		Concurrency:       cfg.WorkerConcurrency,
		ProcessingTimeout: time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
	}, pipe, logger)
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	enqueuer, err := queue.NewEnqueuer(cfg.RedisURL, logger)
	if err != nil {
		log.Fatalf("Failed to initialize task enqueuer: %v", err)
	}
	defer enqueuer.Close()

	api, err := httpapi.NewServer(httpapi.Options{
		Addr:        cfg.HTTPAddr,
		UploadDir:   cfg.UploadDir,
		MaxFileSize: cfg.MaxFileSize,
		Store:       store,
		Enqueuer:    enqueuer,
		QueueStats:  consumer,
		DBStats:     store,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize http server: %v", err)
	}

	if err := consumer.Start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- api.Start()
	}()

	logger.Info("worker ready",
		"httpAddr", cfg.HTTPAddr,
		"queue", queue.QueueExtraction,
		"workers", cfg.WorkerConcurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErr:
		if err != nil {
			logger.Error("http server failed", "error", err.Error())
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}
	consumer.Shutdown()

	logger.Info("shutdown complete")
}
