// Command evaluate measures retrieval quality against a labelled dataset of
// queries and expected courses.
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

	"github.com/course-advisor/backend/internal/cache/memory"
	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/evaluation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/ranking"
	"github.com/course-advisor/backend/internal/storage/sqlite"
	"github.com/course-advisor/backend/pkg/config"
	appLogger "github.com/course-advisor/backend/pkg/logger"
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "config file (default: search ./config.yaml, ./config, /etc/course-advisor)")
		datasetPath = flag.StringP("dataset", "d", "", "JSON dataset of queries and expected course IDs")
		topN        = flag.IntP("top-n", "n", 0, "courses retrieved per query (default: retrieval.topN)")
	)
	flag.Parse()

	if *datasetPath == "" {
		fmt.Println("--dataset is required")
		flag.Usage()
		os.Exit(2)
	}

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
	if *topN == 0 {
		*topN = cfg.Retrieval.TopN
	}

	if err := appLogger.Init(cfg.Logging.Level, "console", "stdout", appLogger.FileOptions{}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	dataset, err := evaluation.LoadDataset(*datasetPath)
	if err != nil {
		appLogger.Fatal("Failed to load dataset", zap.Error(err))
	}

	store, err := sqlite.OpenReadOnly(cfg.Catalog.EmbeddingsPath)
	if err != nil {
		appLogger.Fatal("Failed to open embeddings database", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Loader{
		CoursesPath: cfg.Catalog.CoursesPath,
		Embeddings:  store,
		Dimension:   cfg.Embedding.Dim,
	}.Load(ctx)
	if err != nil {
		appLogger.Fatal("Failed to load course catalog", zap.Error(err))
	}

	embedder := llm.NewEmbedder(llm.EmbeddingConfig{
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dim:       cfg.Embedding.Dim,
		Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		BatchSize: cfg.Embedding.BatchSize,
	})
	// Datasets often repeat a query under different filters.
	cached := ranking.NewCachedEmbedder(embedder, memory.NewEmbeddingCache(time.Hour, 10*time.Minute),
		embedder.Model(), memory.CacheType)

	evaluator := evaluation.NewEvaluator(
		filter.NewEngine(filter.CreditRange{Min: cfg.Retrieval.CreditMin, Max: cfg.Retrieval.CreditMax}),
		ranking.NewRanker(cached),
		*topN,
	)

	report, err := evaluator.RunDatasetEvaluation(ctx, cat, dataset)
	if err != nil {
		appLogger.Fatal("Evaluation failed", zap.Error(err))
	}

	fmt.Print(evaluator.GenerateReport(report))
}
