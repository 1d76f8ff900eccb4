package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/engramlabs/engram/pkg/ai"
	"github.com/engramlabs/engram/pkg/broker"
	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/engine"
	"github.com/engramlabs/engram/pkg/logging"
	"github.com/engramlabs/engram/pkg/memory/executor"
	"github.com/engramlabs/engram/pkg/memory/extraction"
	"github.com/engramlabs/engram/pkg/memory/judgment"
	"github.com/engramlabs/engram/pkg/memory/prestage"
	"github.com/engramlabs/engram/pkg/memory/retrieval"
	"github.com/engramlabs/engram/pkg/runtime"
	"github.com/engramlabs/engram/pkg/server"
	"github.com/engramlabs/engram/pkg/store/graphstore"
	"github.com/engramlabs/engram/pkg/store/recordstore"
	"github.com/engramlabs/engram/pkg/store/vectorstore"
)

func main() {
	baseLogger := log.NewWithOptions(os.Stdout, log.Options{
		ReportCaller:    true,
		ReportTimestamp: true,
		Level:           log.InfoLevel,
		TimeFormat:      time.Kitchen,
	})
	logs := logging.NewFactory(baseLogger)
	logger := logs.ForService("main")

	if err := run(logger, logs); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, logs *logging.Factory) error {
	cfg, err := config.LoadConfig(false)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancelBoot := context.WithTimeout(ctx, 30*time.Second)
	defer cancelBoot()

	// Stores. Postgres is the source of truth; it comes up first and
	// its migrations run before anything accepts work.
	records, err := recordstore.NewPostgresStore(bootCtx, logs.ForStore("postgres"), cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer records.Close()
	if err := recordstore.RunMigrations(records.Pool()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	vectors, err := vectorstore.NewQdrantStore(logs.ForStore("qdrant"), vectorstore.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Prefix:     cfg.CollectionPrefix,
		Dimensions: cfg.EmbeddingDimensions,
	})
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer func() { _ = vectors.Close() }()

	graph, err := graphstore.NewNeo4jStore(bootCtx, logs.ForStore("neo4j"), graphstore.Neo4jConfig{
		URI:      cfg.Neo4jURI,
		User:     cfg.Neo4jUser,
		Password: cfg.Neo4jPassword,
	})
	if err != nil {
		return fmt.Errorf("connecting to neo4j: %w", err)
	}
	defer func() { _ = graph.Close(context.Background()) }()

	// Broker. The embedded server keeps single-binary deployments
	// self-contained; production points NATS_URL at a real cluster.
	var embedded *natsserver.Server
	natsURL := cfg.NatsURL
	if cfg.NatsEmbedded {
		embedded, err = broker.StartEmbeddedServer(logs.ForService("nats"), cfg.NatsDataPath, 4222)
		if err != nil {
			return fmt.Errorf("starting embedded nats: %w", err)
		}
		defer embedded.Shutdown()
		natsURL = embedded.ClientURL()
	}
	nc, err := broker.NewClient(natsURL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Close()

	taskBroker, err := broker.NewJetStreamBroker(bootCtx, logs.ForService("broker"), nc, broker.JetStreamConfig{
		Queues:     []string{cfg.QueueFree, cfg.QueuePro},
		Visibility: cfg.TaskHardLimit + time.Minute,
		MaxDeliver: cfg.MaxRetries + 1,
	})
	if err != nil {
		return fmt.Errorf("creating jetstream broker: %w", err)
	}
	defer taskBroker.Close()

	// Model gateway. Completions and embeddings may live behind
	// different endpoints.
	completions := ai.NewOpenAIService(logs.ForAI("completions"), cfg.CompletionsAPIKey, cfg.CompletionsAPIURL)
	embeddings := ai.NewOpenAIService(logs.ForAI("embeddings"), cfg.EmbeddingsAPIKey, cfg.EmbeddingsAPIURL)

	// Pipeline stages.
	extractor, err := extraction.New(extraction.Dependencies{
		Logger:      logs.ForComponent("extraction"),
		Completions: completions,
		Model:       cfg.CompletionsModel,
		Timeout:     cfg.ChatTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating extractor: %w", err)
	}
	judge, err := judgment.New(judgment.Dependencies{
		Logger:      logs.ForComponent("judgment"),
		Completions: completions,
		Model:       cfg.JudgmentModel,
		Timeout:     cfg.JudgmentTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating judge: %w", err)
	}
	exec, err := executor.New(executor.Dependencies{
		Logger:       logs.ForComponent("executor"),
		Graphs:       extractor,
		Embedder:     embeddings,
		EmbedModel:   cfg.EmbeddingsModel,
		Vectors:      vectors,
		Graph:        graph,
		Records:      records,
		EmbedTimeout: cfg.EmbedTimeout,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}
	composer, err := retrieval.New(retrieval.Dependencies{
		Logger:       logs.ForComponent("retrieval"),
		Embedder:     embeddings,
		EmbedModel:   cfg.EmbeddingsModel,
		Vectors:      vectors,
		Graph:        graph,
		Records:      records,
		EmbedTimeout: cfg.EmbedTimeout,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating composer: %w", err)
	}
	stage, err := prestage.New(prestage.Dependencies{
		Logger:           logs.ForComponent("prestage"),
		Completions:      completions,
		Model:            cfg.CompletionsModel,
		SummarizeTimeout: cfg.SummarizeTimeout,
		FilterTimeout:    cfg.SensitiveTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating prestage: %w", err)
	}

	eng, err := engine.New(engine.Services{
		Logger:    logs.ForComponent("engine"),
		Embedder:  embeddings,
		Extractor: extractor,
		Judge:     judge,
		Executor:  exec,
		Composer:  composer,
		Prestage:  stage,
		Vectors:   vectors,
		Graph:     graph,
		Records:   records,
		Broker:    taskBroker,
	}, engine.Options{
		EmbedModel:        cfg.EmbeddingsModel,
		ExtractSlots:      cfg.BatchExtractSlots,
		EmbedBatchTimeout: cfg.EmbedBatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	workers, err := runtime.New(runtime.Dependencies{
		Logger:      logs.ForWorker("memory"),
		Broker:      taskBroker,
		Records:     records,
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.RetryBaseDelay,
		SoftLimit:   cfg.TaskSoftLimit,
	})
	if err != nil {
		return fmt.Errorf("creating worker runtime: %w", err)
	}
	eng.RegisterHandlers(workers)
	workers.Start()

	httpServer, err := server.New(server.Dependencies{
		Logger: logs.ForHandler("http"),
		Engine: eng,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}

	// Drain in dependency order: stop accepting HTTP, then let
	// in-flight tasks settle. Unfinished leases redeliver after the
	// visibility window.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := workers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}
