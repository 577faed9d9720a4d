// Package main RAG 服务入口
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imovia-rag-api/internal/application/rag"
	"imovia-rag-api/internal/config"
	"imovia-rag-api/internal/infrastructure/embedding"
	"imovia-rag-api/internal/infrastructure/llm"
	"imovia-rag-api/internal/infrastructure/persistence/milvus"
	"imovia-rag-api/internal/infrastructure/persistence/postgres"
	"imovia-rag-api/internal/infrastructure/persistence/redis"
	"imovia-rag-api/internal/interfaces/http/handler"
	"imovia-rag-api/internal/interfaces/http/middleware"
	"imovia-rag-api/internal/interfaces/http/router"
	einoobs "imovia-rag-api/internal/observability/eino"
	"imovia-rag-api/pkg/logger"
	"imovia-rag-api/pkg/tracer"
)

// Version 版本信息，构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件（如果存在）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(
		cfg.Observability.Logging.Level,
		cfg.Observability.Logging.Format,
	)

	ctx := context.Background()
	log := logger.FromContext(ctx)
	log.Info("starting rag-svc",
		"version", Version,
		"build_time", BuildTime,
		"env", cfg.App.Env,
	)

	// 初始化追踪
	shutdown, err := tracer.Init(ctx, tracer.Config{
		ServiceName: cfg.App.Name,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
		Enabled:     cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to init tracer", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// 初始化 Eino 全局 callbacks（追踪）
	einoobs.Init()

	// Postgres
	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		logger.Fatal(ctx, "failed to init postgres", err)
	}
	defer func() { _ = pgClient.Close() }()

	docRepo := postgres.NewDocumentRepository(pgClient, cfg.Embedding.Dimension)
	if err := docRepo.AutoMigrate(ctx); err != nil {
		logger.Fatal(ctx, "failed to migrate schema", err)
	}
	literalEngine := postgres.NewLiteralSearchEngine(pgClient, &cfg.RAG)
	txManager := postgres.NewTxManager(pgClient)

	// Redis
	redisClient, err := redis.NewClient(&cfg.Cache.Redis)
	if err != nil {
		logger.Fatal(ctx, "failed to init redis", err)
	}
	defer func() { _ = redisClient.Close() }()

	ragCache := redis.NewRAGCache(redis.NewCache(redisClient), cfg.RAG.Caching.Enabled)

	// Milvus 不可用时服务降级为纯词法检索，不阻塞启动
	milvusClient, err := milvus.NewClient(ctx, &cfg.Vector.Milvus)
	if err != nil {
		log.Warn("milvus unavailable, semantic retrieval degraded", "error", err)
		milvusClient = nil
	} else {
		defer func() { _ = milvusClient.Close() }()
	}

	vectorRepo := milvus.NewRepository(milvusClient, cfg.Embedding.Dimension)
	if milvusClient != nil {
		if err := vectorRepo.EnsureDocumentChunksCollection(ctx); err != nil {
			logger.Fatal(ctx, "failed to ensure milvus collection", err)
		}
	}

	// Embedding（带 Redis 缓存）
	embedder, err := embedding.NewEmbedder(ctx, &cfg.Embedding)
	if err != nil {
		logger.Fatal(ctx, "failed to init embedder", err)
	}
	cachedEmbedder := embedding.NewCachedEmbedder(embedder, ragCache, &cfg.Embedding, cfg.RAG.Caching.EmbeddingTTL)

	// LLM 生成
	factory := llm.NewEinoFactory(cfg)
	generator := llm.NewGenerator(factory, cfg.LLM.DefaultProvider)

	// RAG 管线
	processor := rag.NewTextProcessor(cfg.RAG.Chunking.ChunkSize, cfg.RAG.Chunking.ChunkOverlap)
	pipeline := rag.NewPipeline(
		processor,
		cachedEmbedder,
		vectorRepo,
		literalEngine,
		generator,
		ragCache,
		docRepo,
		txManager,
		&cfg.RAG,
	)

	// HTTP 路由
	rateLimiter := middleware.RateLimit(middleware.RateLimitConfig{
		Enabled:           cfg.Security.RateLimit.Enabled,
		RequestsPerSecond: cfg.Security.RateLimit.RequestsPerSecond,
		Burst:             cfg.Security.RateLimit.Burst,
	}, redis.NewRateLimiter(redisClient))

	r := router.New(router.Deps{
		Config:        cfg,
		RAGHandler:    handler.NewRAGHandler(pipeline),
		HealthHandler: handler.NewHealthHandler(pgClient, redisClient, milvusClient),
		RateLimiter:   rateLimiter,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.HTTP.Host, cfg.Server.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.HTTP.ReadTimeout,
		WriteTimeout: cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:  cfg.Server.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited")
}
