package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/api"
	"github.com/course-advisor/backend/internal/api/handlers"
	"github.com/course-advisor/backend/internal/cache/memory"
	"github.com/course-advisor/backend/internal/cache/redis"
	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/conversation"
	"github.com/course-advisor/backend/internal/evaluation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/internal/middleware/ratelimit"
	"github.com/course-advisor/backend/internal/ranking"
	"github.com/course-advisor/backend/internal/storage/sqlite"
	"github.com/course-advisor/backend/pkg/config"
	appLogger "github.com/course-advisor/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath, appLogger.FileOptions{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting course advisor API server")
	metrics.Init()

	// Built by cmd/embed; the server never creates or writes it.
	embeddingStore, err := sqlite.OpenReadOnly(cfg.Catalog.EmbeddingsPath)
	if err != nil {
		appLogger.Fatal("Failed to open embeddings database", zap.Error(err))
	}
	defer embeddingStore.Close()

	advisorDB, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer advisorDB.Close()

	if err := advisorDB.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	courses := catalog.NewHandle(catalog.Loader{
		CoursesPath: cfg.Catalog.CoursesPath,
		Embeddings:  embeddingStore,
		Dimension:   cfg.Embedding.Dim,
	}.Load)

	startupCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	cat, err := courses.Get(startupCtx)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to load course catalog", zap.Error(err))
	}
	metrics.CatalogCourses.WithLabelValues("courses").Set(float64(cat.Len()))
	metrics.CatalogCourses.WithLabelValues("embeddings").Set(float64(cat.EmbeddingCount()))
	metrics.CatalogCourses.WithLabelValues("joined").Set(float64(len(cat.Join())))

	readyChecks := map[string]handlers.Pinger{
		"embeddings_db": embeddingStore,
		"advisor_db":    advisorDB,
	}

	embedder := llm.NewEmbedder(llm.EmbeddingConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dim:       cfg.Embedding.Dim,
		Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		BatchSize: cfg.Embedding.BatchSize,
	})

	var queryEmbedder ranking.Embedder
	embeddingTTL := time.Duration(cfg.Redis.EmbeddingTTLMin) * time.Minute
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, embeddingTTL)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		queryEmbedder = ranking.NewCachedEmbedder(embedder, redisClient, embedder.Model(), redis.CacheType)
		readyChecks["redis"] = redisClient
	} else {
		queryEmbedder = ranking.NewCachedEmbedder(embedder, memory.NewEmbeddingCache(embeddingTTL, 10*time.Minute),
			embedder.Model(), memory.CacheType)
	}

	chat := llm.NewClient(llm.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	filters := filter.NewEngine(filter.CreditRange{Min: cfg.Retrieval.CreditMin, Max: cfg.Retrieval.CreditMax})

	sessions := conversation.NewManager(&conversation.Pipeline{
		Catalog: courses,
		Filters: filters,
		Ranker:  ranking.NewRanker(queryEmbedder),
		Model:   chat,
		TopN:    cfg.Retrieval.TopN,
		Pricing: conversation.FlatPricing{
			InputPerMillion:  cfg.LLM.PriceInputPerMillion,
			OutputPerMillion: cfg.LLM.PriceOutputPerMillion,
		},
		Recorder: advisorDB,
		Auditor:  evaluation.NewAuditor(cat.Courses()),
	},
		time.Duration(cfg.Session.IdleTTLMinutes)*time.Minute,
		time.Duration(cfg.Session.CleanupMinutes)*time.Minute,
	)

	turnLimiter := ratelimit.New(ratelimit.Config{
		Name:     "turns",
		Requests: cfg.RateLimit.RequestsPerMinute,
		Window:   time.Minute,
		Logger:   appLogger.GetLogger(),
	})
	defer turnLimiter.Stop()

	sessionLimiter := ratelimit.New(ratelimit.Config{
		Name:     "sessions",
		Requests: cfg.RateLimit.SessionsPerMinute,
		Window:   time.Minute,
		KeyFunc:  ratelimit.ByIP,
		Logger:   appLogger.GetLogger(),
	})
	defer sessionLimiter.Stop()

	var origins []string
	if cfg.Server.AllowedOrigins != "" && cfg.Server.AllowedOrigins != "*" {
		for _, o := range strings.Split(cfg.Server.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	app := api.NewApp(sessions, courses, filters, api.Options{
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:      cfg.Server.BodyLimit,
		AllowedOrigins: origins,
		MaxQueryLength: cfg.Server.MaxQueryLength,
		Development:    cfg.Logging.Level == "debug",
		AccessLog:      true,
		DefaultAPIKey:  cfg.LLM.APIKey,
		TurnLimiter:    turnLimiter,
		SessionLimiter: sessionLimiter,
		ReadyChecks:    readyChecks,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting",
		zap.String("address", addr),
		zap.String("model", chat.Model()),
		zap.String("embedding_model", embedder.Model()),
		zap.Int("courses", cat.Len()),
	)

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("Shutdown did not complete", zap.Error(err))
	}
	appLogger.Info("Server stopped", zap.Int("open_sessions", sessions.Count()))
}
