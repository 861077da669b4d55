// Package ranking orders filtered catalog rows by semantic similarity to a query.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/course-advisor/backend/internal/catalog"
)

var ErrDimensionMismatch = errors.New("query embedding dimension does not match catalog")

type Ranker struct {
	embedder Embedder
}

func NewRanker(embedder Embedder) *Ranker {
	return &Ranker{embedder: embedder}
}

type scored struct {
	row   catalog.Row
	score float64
}

// Rank returns at most n rows by descending cosine similarity to the query.
// Equal scores keep their input order. No embedding call is made for empty
// input or n < 1.
func (r *Ranker) Rank(ctx context.Context, rows []catalog.Row, query string, n int) ([]catalog.Row, error) {
	if len(rows) == 0 || n < 1 {
		return nil, nil
	}

	qvec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates := make([]scored, len(rows))
	for i, row := range rows {
		if len(row.Vector) != len(qvec) {
			return nil, fmt.Errorf("%w: query has %d, course %s has %d",
				ErrDimensionMismatch, len(qvec), row.Course.ID, len(row.Vector))
		}
		candidates[i] = scored{row: row, score: Cosine(qvec, row.Vector)}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	top := make([]catalog.Row, n)
	for i := range top {
		top[i] = candidates[i].row
	}
	return top, nil
}
