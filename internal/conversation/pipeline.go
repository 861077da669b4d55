// Package conversation runs course-advisor chat sessions: the first turn
// filters, ranks and grounds the catalog, later turns reuse that grounding.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/evaluation"
	"github.com/course-advisor/backend/internal/filter"
	"github.com/course-advisor/backend/internal/grounding"
	"github.com/course-advisor/backend/internal/llm"
	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/internal/ranking"
	"github.com/course-advisor/backend/internal/storage/models"
	"github.com/course-advisor/backend/pkg/logger"
)

const DefaultTopN = 3

// CatalogSource hands out the shared, read-only catalog.
type CatalogSource interface {
	Get(ctx context.Context) (*catalog.Catalog, error)
}

type ChatModel interface {
	StreamChat(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (*llm.ChatResponse, error)
	Model() string
}

// Recorder persists retrieval and turn history. Failures are logged and
// never fail a turn.
type Recorder interface {
	InsertRetrieval(ctx context.Context, record *models.RetrievalRecord) error
	InsertTurn(ctx context.Context, record *models.TurnRecord) error
}

// Pipeline is shared by every session. It holds no per-session state.
type Pipeline struct {
	Catalog  CatalogSource
	Filters  filter.Engine
	Ranker   *ranking.Ranker
	Model    ChatModel
	TopN     int
	Pricing  Pricing
	Recorder Recorder
	// Auditor, when set, flags replies that name courses outside the
	// allow-list.
	Auditor *evaluation.Auditor
}

type retrieval struct {
	outcome  Outcome
	filtered int
	total    int
	filters  string
	result   grounding.Result
}

func (p *Pipeline) topN() int {
	if p.TopN < 1 {
		return DefaultTopN
	}
	return p.TopN
}

// retrieve runs filter, rank and grounding for a first turn. An empty filter
// or rank result is an outcome, not an error.
func (p *Pipeline) retrieve(ctx context.Context, sessionID, query string, spec filter.Spec) (*retrieval, error) {
	start := time.Now()
	defer func() { metrics.RetrievalDuration.Observe(time.Since(start).Seconds()) }()

	cat, err := p.Catalog.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog unavailable: %w", err)
	}

	rows := cat.Join()
	filtered := p.Filters.Apply(rows, spec)
	r := &retrieval{
		filtered: len(filtered),
		total:    len(rows),
		filters:  p.Filters.Describe(spec),
	}
	metrics.FilteredCandidates.Observe(float64(r.filtered))

	logger.Info("Catalog filtered",
		zap.String("session_id", sessionID),
		zap.String("filters", r.filters),
		zap.Int("filtered", r.filtered),
		zap.Int("total", r.total),
	)

	if r.filtered == 0 {
		r.outcome = OutcomeNoMatches
		p.record(ctx, sessionID, query, r, start)
		return r, nil
	}

	ranked, err := p.Ranker.Rank(ctx, filtered, query, p.topN())
	if err != nil {
		return nil, fmt.Errorf("ranking failed: %w", err)
	}
	if len(ranked) == 0 {
		r.outcome = OutcomeNoRanked
		p.record(ctx, sessionID, query, r, start)
		return r, nil
	}

	r.outcome = OutcomeAnswer
	r.result = grounding.Build(ranked)

	logger.Info("Retrieval grounded",
		zap.String("session_id", sessionID),
		zap.Int("top_n", p.topN()),
		zap.Strings("courses", r.result.Names),
		zap.Int64("latency_ms", time.Since(start).Milliseconds()),
	)

	p.record(ctx, sessionID, query, r, start)
	return r, nil
}

func (p *Pipeline) record(ctx context.Context, sessionID, query string, r *retrieval, start time.Time) {
	if p.Recorder == nil {
		return
	}

	ids := make([]string, len(r.result.Courses))
	for i, c := range r.result.Courses {
		ids[i] = c.ID
	}

	err := p.Recorder.InsertRetrieval(ctx, &models.RetrievalRecord{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		QueryText:     query,
		Filters:       r.filters,
		Outcome:       string(r.outcome),
		FilteredCount: r.filtered,
		TotalCount:    r.total,
		CourseIDs:     ids,
		LatencyMS:     int(time.Since(start).Milliseconds()),
		CreatedAt:     time.Now(),
	})
	if err != nil {
		logger.Warn("Failed to record retrieval", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (p *Pipeline) recordTurn(ctx context.Context, sessionID string, grounded bool, usage *llm.Usage, latency time.Duration) {
	model := p.Model.Model()
	if usage != nil {
		metrics.LLMTokensUsed.WithLabelValues(model, "input").Add(float64(usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(model, "output").Add(float64(usage.CompletionTokens))
		if p.Pricing != nil {
			metrics.LLMCost.WithLabelValues(model).Add(p.Pricing.Cost(*usage))
		}
	}

	if p.Recorder == nil {
		return
	}

	rec := &models.TurnRecord{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Grounded:  grounded,
		Model:     model,
		LatencyMS: int(latency.Milliseconds()),
		CreatedAt: time.Now(),
	}
	if usage != nil {
		in, out := usage.PromptTokens, usage.CompletionTokens
		rec.InputTokens, rec.OutputTokens = &in, &out
		if p.Pricing != nil {
			cost := p.Pricing.Cost(*usage)
			rec.CostUSD = &cost
		}
	}

	if err := p.Recorder.InsertTurn(ctx, rec); err != nil {
		logger.Warn("Failed to record turn", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (p *Pipeline) audit(sessionID, reply string, allowed []string) {
	if p.Auditor == nil {
		return
	}
	a := p.Auditor.Check(reply, allowed)
	if a.Grounded() {
		return
	}
	metrics.OffListMentions.Add(float64(len(a.OffList)))
	logger.Warn("Reply names courses outside the allow-list",
		zap.String("session_id", sessionID),
		zap.Strings("off_list", a.OffList),
		zap.Strings("allowed", allowed),
	)
}
