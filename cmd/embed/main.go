// Command embed builds the course embedding table the API server ranks
// against. Courses that already have a vector are skipped unless --force.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/ingestion"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/storage/sqlite"
	"github.com/course-advisor/backend/pkg/config"
	appLogger "github.com/course-advisor/backend/pkg/logger"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "config file (default: search ./config.yaml, ./config, /etc/course-advisor)")
		coursesPath = flag.String("courses", "", "catalog .csv or .xlsx (overrides catalog.coursesPath)")
		outputPath  = flag.String("out", "", "embedding database (overrides catalog.embeddingsPath)")
		force       = flag.BoolP("force", "f", false, "re-embed courses that already have a vector")
	)
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *coursesPath != "" {
		cfg.Catalog.CoursesPath = *coursesPath
	}
	if *outputPath != "" {
		cfg.Catalog.EmbeddingsPath = *outputPath
	}

	err = appLogger.Init(cfg.Logging.Level, "console", "stdout", appLogger.FileOptions{})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	courses, err := catalog.ReadCourses(cfg.Catalog.CoursesPath)
	if err != nil {
		appLogger.Fatal("Failed to read catalog", zap.String("path", cfg.Catalog.CoursesPath), zap.Error(err))
	}

	store, err := sqlite.NewClient(cfg.Catalog.EmbeddingsPath)
	if err != nil {
		appLogger.Fatal("Failed to open embeddings database", zap.Error(err))
	}
	defer store.Close()

	if err := store.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	embedder := llm.NewEmbedder(llm.EmbeddingConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dim:       cfg.Embedding.Dim,
		Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		BatchSize: cfg.Embedding.BatchSize,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Building course embeddings",
		zap.String("courses", cfg.Catalog.CoursesPath),
		zap.String("output", cfg.Catalog.EmbeddingsPath),
		zap.String("model", embedder.Model()),
		zap.Int("catalog_size", len(courses)),
		zap.Bool("force", *force),
	)

	processor := ingestion.NewProcessor(embedder, store, cfg.Embedding.BatchSize)
	stats, err := processor.Process(ctx, courses, ingestion.Options{Force: *force})
	if err != nil {
		appLogger.Fatal("Embedding build failed", zap.Int("embedded", stats.Embedded), zap.Error(err))
	}

	stored, err := store.CountEmbeddings(ctx)
	if err != nil {
		appLogger.Fatal("Failed to count embeddings", zap.Error(err))
	}

	appLogger.Info("Done",
		zap.Int("embedded", stats.Embedded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("empty", stats.Empty),
		zap.Int("stored", stored),
	)
}
