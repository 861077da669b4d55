package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/catalog"
	"github.com/course-advisor/backend/internal/grounding"
	"github.com/course-advisor/backend/pkg/logger"
)

// maxDocumentChars bounds the text embedded per course.
const maxDocumentChars = 4000

type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type EmbeddingStore interface {
	ReadEmbeddings(ctx context.Context) ([]catalog.Embedding, error)
	UpsertEmbeddings(ctx context.Context, embeddings []catalog.Embedding) error
}

type Options struct {
	// Force re-embeds courses that already have a stored vector.
	Force bool
}

type Stats struct {
	Total    int
	Embedded int
	Skipped  int
	Empty    int
}

// Processor builds the course embedding table offline.
type Processor struct {
	embedder  BatchEmbedder
	store     EmbeddingStore
	batchSize int
}

func NewProcessor(embedder BatchEmbedder, store EmbeddingStore, batchSize int) *Processor {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Processor{embedder: embedder, store: store, batchSize: batchSize}
}

// Process embeds every course and writes the vectors batch by batch, so an
// interrupted run keeps what it finished.
func (p *Processor) Process(ctx context.Context, courses []catalog.Course, opts Options) (Stats, error) {
	start := time.Now()
	stats := Stats{Total: len(courses)}

	existing := map[string]bool{}
	if !opts.Force {
		stored, err := p.store.ReadEmbeddings(ctx)
		if err != nil {
			return stats, fmt.Errorf("failed to read existing embeddings: %w", err)
		}
		for _, e := range stored {
			existing[e.CourseID] = true
		}
	}

	var (
		ids   []string
		texts []string
	)
	for _, c := range courses {
		if existing[c.ID] {
			stats.Skipped++
			continue
		}
		text := DocumentText(c)
		if text == "" {
			logger.Warn("Course has no text to embed", zap.String("course_id", c.ID))
			stats.Empty++
			continue
		}
		ids = append(ids, c.ID)
		texts = append(texts, text)
	}

	logger.Info("Embedding courses",
		zap.Int("pending", len(ids)),
		zap.Int("skipped", stats.Skipped),
		zap.Int("batch_size", p.batchSize),
	)

	for startIdx := 0; startIdx < len(ids); startIdx += p.batchSize {
		end := min(startIdx+p.batchSize, len(ids))

		vecs, err := p.embedder.EmbedBatch(ctx, texts[startIdx:end])
		if err != nil {
			return stats, fmt.Errorf("failed to embed batch at %d: %w", startIdx, err)
		}
		if len(vecs) != end-startIdx {
			return stats, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), end-startIdx)
		}

		batch := make([]catalog.Embedding, len(vecs))
		for i, v := range vecs {
			batch[i] = catalog.Embedding{CourseID: ids[startIdx+i], Vector: v}
		}
		if err := p.store.UpsertEmbeddings(ctx, batch); err != nil {
			return stats, fmt.Errorf("failed to store batch at %d: %w", startIdx, err)
		}

		stats.Embedded += len(batch)
		logger.Info("Batch embedded", zap.Int("done", stats.Embedded), zap.Int("pending", len(ids)))
	}

	logger.Info("Embedding build finished",
		zap.Int("embedded", stats.Embedded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("empty", stats.Empty),
		zap.Duration("duration", time.Since(start)),
	)

	return stats, nil
}

// DocumentText is the text a course is embedded from: both names, then the
// description, goals and learning outcomes.
func DocumentText(c catalog.Course) string {
	parts := make([]string, 0, 5)
	for _, s := range []string{c.NameET, c.NameEN, c.Description, c.Goals, c.LearningOutcomes} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return grounding.Truncate(strings.Join(parts, "\n"), maxDocumentChars)
}
