package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/podushkina/hrchat/internal/api"
	"github.com/podushkina/hrchat/internal/config"
	"github.com/podushkina/hrchat/internal/dispatch"
	"github.com/podushkina/hrchat/internal/handlers"
	"github.com/podushkina/hrchat/internal/llm"
	"github.com/podushkina/hrchat/internal/llm/mock"
	"github.com/podushkina/hrchat/internal/logger"
	"github.com/podushkina/hrchat/internal/monitoring"
	"github.com/podushkina/hrchat/internal/pipeline"
	"github.com/podushkina/hrchat/internal/queue"
	"github.com/podushkina/hrchat/internal/retrieval"
	"github.com/podushkina/hrchat/internal/store"
	"github.com/podushkina/hrchat/internal/stream"
	"github.com/podushkina/hrchat/internal/task"
	"github.com/podushkina/hrchat/internal/usage"
	"github.com/podushkina/hrchat/internal/worker"
)

func main() {
	cfg := config.Load()

	logger.Init(&logger.Config{
		Level: logger.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	log := logger.GetDefault()

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Error("Failed to open database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer q.Close()
	for _, t := range task.Types {
		if qc := cfg.Queues[t]; qc.RedisDB >= 0 {
			if err := q.Dedicate(t, qc.RedisDB); err != nil {
				log.Error("Failed to connect queue database", "type", t, "db", qc.RedisDB, "error", err)
				os.Exit(1)
			}
		}
	}
	log.Info("Connected to Redis", "addr", cfg.RedisAddr)

	provider, err := newProvider(cfg)
	if err != nil {
		log.Error("Failed to create model provider", "kind", cfg.ProviderKind, "error", err)
		os.Exit(1)
	}

	var (
		searcher retrieval.Searcher
		indexer  retrieval.Indexer
	)
	if cfg.RetrievalURL != "" {
		rc := retrieval.NewClient(cfg.RetrievalURL, cfg.RetrievalTimeout)
		searcher, indexer = rc, rc
	} else {
		log.Warn("No retrieval backend configured, chat runs without document context")
	}

	publisher, err := stream.NewPublisher(q.Client())
	if err != nil {
		log.Error("Failed to create stream publisher", "error", err)
		os.Exit(1)
	}

	metrics := monitoring.New()
	limiter := usage.NewLimiter(q.Client(), cfg.UsageLimits(), usage.WithLocale(cfg.Locale))

	pipe := pipeline.New(pipeline.Deps{
		Store:      db,
		Provider:   provider,
		Translator: pipeline.NewTranslator(provider, cfg.TranslationModel, cfg.TranslationTimeout, cfg.TranslationRetryTimeout),
		Searcher:   searcher,
		Indexer:    indexer,
		Publisher:  publisher,
		Metrics:    metrics,
	}, pipeline.Config{
		ChatModel:          cfg.ChatModel,
		TitleModel:         cfg.TitleModel,
		DocumentsLanguage:  pipeline.ParseLanguage(cfg.DocumentsLanguage),
		HistoryTurns:       cfg.HistoryTurns,
		ModelTimeout:       cfg.ModelTimeout,
		RetrievalTimeout:   cfg.RetrievalTimeout,
		CancelPollInterval: cfg.CancelPollInterval,
	})

	registry := handlers.NewRegistry(dispatch.NewExecutor(db, metrics), db, publisher)
	handlers.RegisterPipeline(registry, pipe)

	ctx, cancel := context.WithCancel(logger.ContextWithLogger(context.Background(), log))
	defer cancel()

	pool := worker.NewPool(q)
	for _, t := range registry.Types() {
		pool.Register(t, registry.Process, cfg.Queues[t].Concurrency)
	}
	pool.Start(ctx)

	handler := api.NewHandler(api.Deps{
		Store:   db,
		Queue:   q,
		Limiter: limiter,
		Streams: stream.NewHandler(publisher, db, q, metrics, stream.HandlerConfig{
			Heartbeat:      cfg.HeartbeatInterval,
			AvgServiceTime: cfg.AvgServiceTime,
			MaxWait:        cfg.StreamQueueLimit,
		}),
		Pipeline: pipe,
		Metrics:  metrics,
	})
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.ServerPort, "provider", provider.Name())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	// ends open streams and stops workers from taking new jobs
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", "error", err)
	}

	pool.Stop()
	log.Info("Server stopped")
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.ProviderKind {
	case "ollama":
		return llm.NewOllamaProvider(llm.OllamaConfig{
			BaseURL: cfg.ProviderURL,
			Model:   cfg.ChatModel,
			Timeout: cfg.ModelTimeout,
		})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			BaseURL: cfg.ProviderURL,
			APIKey:  cfg.ProviderAPIKey,
			Model:   cfg.ChatModel,
			Timeout: cfg.ModelTimeout,
		}), nil
	case "mock":
		return &mock.Provider{Default: "This is a canned answer from the mock provider."}, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.ProviderKind)
	}
}
