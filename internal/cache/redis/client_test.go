package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a live server: COURSE_ADVISOR_TEST_REDIS_PORT=6379 go test ./internal/cache/redis
func newTestClient(t *testing.T) *Client {
	t.Helper()

	portStr := os.Getenv("COURSE_ADVISOR_TEST_REDIS_PORT")
	if portStr == "" {
		t.Skip("COURSE_ADVISOR_TEST_REDIS_PORT not set")
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c, err := NewClient("localhost", port, "", 15, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = c.InvalidateEmbeddings(context.Background())
		c.Close()
	})
	return c
}

func TestEmbeddingKey(t *testing.T) {
	assert.Equal(t, "embedding:abc", embeddingKey("abc"))
}

func TestEmbeddingCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, ok, err := c.GetEmbedding(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetEmbedding(ctx, "k1", []float32{0.25, -1}))
	vec, ok, err := c.GetEmbedding(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.25, -1}, vec)

	removed, err := c.InvalidateEmbeddings(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)

	_, ok, err = c.GetEmbedding(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
