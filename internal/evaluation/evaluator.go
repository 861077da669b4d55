package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/ranking"
	"github.com/course-advisor/backend/pkg/logger"
)

// Evaluator replays labelled queries through filtering and ranking and
// scores the top-N against the expected courses.
type Evaluator struct {
	filters filter.Engine
	ranker  *ranking.Ranker
	n       int
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

type DatasetItem struct {
	Query   string      `json:"query"`
	Filters filter.Spec `json:"filters"`
	// Expected are course IDs a good answer would recommend.
	Expected []string `json:"expected"`
}

type ItemResult struct {
	Query     string
	Retrieved []string
	Hits      int
	// Rank is the 1-based position of the first expected course, or 0.
	Rank   int
	Recall float64
}

type EvaluationReport struct {
	TotalQueries   int
	NoMatchesCount int
	HitCount       int
	HitRate        float64
	MeanRecall     float64
	// MRR is the mean reciprocal rank of the first expected course.
	MRR   float64
	Items []ItemResult
}

func NewEvaluator(filters filter.Engine, ranker *ranking.Ranker, n int) *Evaluator {
	if n < 1 {
		n = 3
	}
	return &Evaluator{filters: filters, ranker: ranker, n: n}
}

func (e *Evaluator) EvaluateQuery(ctx context.Context, cat *catalog.Catalog, item DatasetItem) (*ItemResult, error) {
	result := &ItemResult{Query: item.Query}

	filtered := e.filters.Apply(cat.Join(), item.Filters)
	if len(filtered) == 0 {
		return result, nil
	}

	ranked, err := e.ranker.Rank(ctx, filtered, item.Query, e.n)
	if err != nil {
		return nil, fmt.Errorf("failed to rank %q: %w", item.Query, err)
	}

	expected := make(map[string]bool, len(item.Expected))
	for _, id := range item.Expected {
		expected[id] = true
	}

	for i, row := range ranked {
		result.Retrieved = append(result.Retrieved, row.Course.ID)
		if !expected[row.Course.ID] {
			continue
		}
		result.Hits++
		if result.Rank == 0 {
			result.Rank = i + 1
		}
	}
	if len(expected) > 0 {
		result.Recall = float64(result.Hits) / float64(len(expected))
	}

	return result, nil
}

func (e *Evaluator) RunDatasetEvaluation(ctx context.Context, cat *catalog.Catalog, dataset *Dataset) (*EvaluationReport, error) {
	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)), zap.Int("top_n", e.n))

	report := &EvaluationReport{TotalQueries: len(dataset.Items)}

	var totalRecall, totalReciprocal float64
	for i, item := range dataset.Items {
		result, err := e.EvaluateQuery(ctx, cat, item)
		if err != nil {
			return nil, err
		}
		report.Items = append(report.Items, *result)

		if len(result.Retrieved) == 0 {
			report.NoMatchesCount++
		}
		if result.Hits > 0 {
			report.HitCount++
			totalReciprocal += 1 / float64(result.Rank)
		}
		totalRecall += result.Recall

		logger.Debug("Item evaluated",
			zap.Int("index", i+1),
			zap.String("query", item.Query),
			zap.Strings("retrieved", result.Retrieved),
			zap.Int("rank", result.Rank),
		)
	}

	if report.TotalQueries > 0 {
		total := float64(report.TotalQueries)
		report.HitRate = float64(report.HitCount) / total
		report.MeanRecall = totalRecall / total
		report.MRR = totalReciprocal / total
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Int("hits", report.HitCount),
		zap.Int("no_matches", report.NoMatchesCount),
		zap.Float64("mrr", report.MRR),
	)

	return report, nil
}

// LoadDataset reads a JSON dataset. Every item needs a query and at least
// one expected course.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}

	if len(dataset.Items) == 0 {
		return nil, errors.New("dataset has no items")
	}
	for i, item := range dataset.Items {
		if item.Query == "" || len(item.Expected) == 0 {
			return nil, fmt.Errorf("dataset item %d needs a query and expected courses", i)
		}
	}

	return &dataset, nil
}

func (e *Evaluator) GenerateReport(report *EvaluationReport) string {
	return fmt.Sprintf(`
Retrieval Evaluation
====================

Queries:    %d
Top-N:      %d
No matches: %d

Hit rate:    %.1f%% (%d)
Mean recall: %.3f
MRR:         %.3f
`,
		report.TotalQueries,
		e.n,
		report.NoMatchesCount,
		report.HitRate*100, report.HitCount,
		report.MeanRecall,
		report.MRR,
	)
}
