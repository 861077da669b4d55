package ranking

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/course-advisor/backend/internal/catalog"
)

// keywordEmbedder maps text onto three axes: ml, history, art.
type keywordEmbedder struct {
	calls int
	err   error
}

func (e *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	text = strings.ToLower(text)
	vec := []float32{0, 0, 0}
	if strings.Contains(text, "machine") || strings.Contains(text, "learning") {
		vec[0] = 1
	}
	if strings.Contains(text, "history") {
		vec[1] = 1
	}
	if strings.Contains(text, "art") {
		vec[2] = 1
	}
	return vec, nil
}

func row(id string, vec ...float32) catalog.Row {
	return catalog.Row{Course: catalog.Course{ID: id, NameET: id}, Vector: vec}
}

func rowIDs(rows []catalog.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Course.ID
	}
	return out
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.InDelta(t, 1/math.Sqrt2, Cosine([]float32{1, 1}, []float32{1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestRank_MachineLearningScenario(t *testing.T) {
	rows := []catalog.Row{
		row("history", 0.1, 1, 0),
		row("ml", 1, 0.1, 0),
		row("stats", 0.7, 0.3, 0.2),
	}
	ranker := NewRanker(&keywordEmbedder{})

	top, err := ranker.Rank(context.Background(), rows, "machine learning", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"ml", "stats"}, rowIDs(top))
}

func TestRank_BoundsAndMembership(t *testing.T) {
	rows := []catalog.Row{row("a", 1, 0, 0), row("b", 0, 1, 0)}
	ranker := NewRanker(&keywordEmbedder{})

	for _, n := range []int{1, 2, 5} {
		top, err := ranker.Rank(context.Background(), rows, "history", n)
		require.NoError(t, err)
		assert.Len(t, top, min(n, len(rows)))
		for _, r := range top {
			assert.Contains(t, []string{"a", "b"}, r.Course.ID)
		}
	}
}

func TestRank_StableTies(t *testing.T) {
	rows := []catalog.Row{
		row("first", 1, 0, 0),
		row("second", 2, 0, 0),
		row("third", 0, 1, 0),
		row("fourth", 3, 0, 0),
	}
	ranker := NewRanker(&keywordEmbedder{})

	top, err := ranker.Rank(context.Background(), rows, "machine", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "fourth"}, rowIDs(top))
}

func TestRank_Deterministic(t *testing.T) {
	rows := []catalog.Row{
		row("a", 0.5, 0.5, 0),
		row("b", 0.9, 0.1, 0.3),
		row("c", 0.2, 0.8, 0.1),
		row("d", 0.5, 0.5, 0),
	}
	ranker := NewRanker(&keywordEmbedder{})

	first, err := ranker.Rank(context.Background(), rows, "machine history", 4)
	require.NoError(t, err)
	second, err := ranker.Rank(context.Background(), rows, "machine history", 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRank_EmptyInputSkipsEmbedding(t *testing.T) {
	emb := &keywordEmbedder{}
	ranker := NewRanker(emb)

	top, err := ranker.Rank(context.Background(), nil, "machine learning", 3)
	require.NoError(t, err)
	assert.Empty(t, top)

	top, err = ranker.Rank(context.Background(), []catalog.Row{row("a", 1, 0, 0)}, "machine", 0)
	require.NoError(t, err)
	assert.Empty(t, top)

	assert.Zero(t, emb.calls)
}

func TestRank_Errors(t *testing.T) {
	_, err := NewRanker(&keywordEmbedder{}).Rank(context.Background(), []catalog.Row{row("a", 1, 0)}, "machine", 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	boom := errors.New("embedding service down")
	_, err = NewRanker(&keywordEmbedder{err: boom}).Rank(context.Background(), []catalog.Row{row("a", 1, 0, 0)}, "x", 1)
	assert.ErrorIs(t, err, boom)
}

func TestRank_ZeroVectorScoresZero(t *testing.T) {
	rows := []catalog.Row{row("zero", 0, 0, 0), row("opposite", -1, 0, 0), row("match", 1, 0, 0)}
	top, err := NewRanker(&keywordEmbedder{}).Rank(context.Background(), rows, "machine", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"match", "zero", "opposite"}, rowIDs(top))
}

type mapCache struct {
	data   map[string][]float32
	getErr error
}

func (c *mapCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) SetEmbedding(_ context.Context, key string, vec []float32) error {
	c.data[key] = vec
	return nil
}

func TestCachedEmbedder(t *testing.T) {
	inner := &keywordEmbedder{}
	cache := &mapCache{data: map[string][]float32{}}
	emb := NewCachedEmbedder(inner, cache, "bge-m3", "memory")

	v1, err := emb.Embed(context.Background(), "machine learning")
	require.NoError(t, err)
	v2, err := emb.Embed(context.Background(), "machine learning")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.calls)
	assert.Len(t, cache.data, 1)
}

func TestCachedEmbedder_CacheErrorFallsThrough(t *testing.T) {
	inner := &keywordEmbedder{}
	cache := &mapCache{data: map[string][]float32{}, getErr: errors.New("redis down")}
	emb := NewCachedEmbedder(inner, cache, "bge-m3", "redis")

	v, err := emb.Embed(context.Background(), "art")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, v)
	assert.Equal(t, 1, inner.calls)
}
