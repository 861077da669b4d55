package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/pkg/circuitbreaker"
	"github.com/course-advisor/backend/pkg/logger"
	"github.com/course-advisor/backend/pkg/retry"
)

type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Dim, when set, is enforced on every returned vector.
	Dim       int
	Timeout   time.Duration
	BatchSize int
}

// Embedder calls an OpenAI-compatible /embeddings endpoint. Query-time and
// catalog-build embeddings must come from the same model.
type Embedder struct {
	client      *openai.Client
	cfg         EmbeddingConfig
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewEmbedder(cfg EmbeddingConfig) *Embedder {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("Embedding client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.Int("dim", cfg.Dim),
	)

	return &Embedder{
		client: openai.NewClientWithConfig(apiCfg),
		cfg:    cfg,
		cb: circuitbreaker.New("embedding", circuitbreaker.Config{
			MaxRequests:      2,
			Interval:         time.Minute,
			Timeout:          15 * time.Second,
			FailureThreshold: 5,
			IsFailure:        isUpstreamFailure,
			OnStateChange:    recordCircuitState,
			Logger:           logger.GetLogger(),
		}),
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   200 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			JitterFraction: 0.1,
			Retryable:      isUpstreamFailure,
			Logger:         logger.GetLogger(),
		},
	}
}

func (e *Embedder) Model() string {
	return e.cfg.Model
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))

		vecs, err := e.embedOnce(ctx, texts[start:end])
		if err != nil {
			metrics.LLMErrors.WithLabelValues("embedding").Inc()
			return nil, err
		}
		out = append(out, vecs...)
	}

	logger.Debug("Embeddings generated", zap.Int("count", len(out)))
	return out, nil
}

func (e *Embedder) embedOnce(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var vecs [][]float32
	err := e.cb.Execute(func() error {
		return retry.Do(ctx, e.retryConfig, func() error {
			resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input: batch,
				Model: openai.EmbeddingModel(e.cfg.Model),
			})
			if err != nil {
				return fmt.Errorf("failed to generate embeddings: %w", err)
			}
			if len(resp.Data) != len(batch) {
				return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(batch))
			}

			vecs = make([][]float32, len(batch))
			for i, d := range resp.Data {
				idx := d.Index
				if idx < 0 || idx >= len(batch) || vecs[idx] != nil {
					idx = i
				}
				vecs[idx] = d.Embedding
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, v := range vecs {
		if len(v) == 0 {
			return nil, errors.New("empty embedding returned")
		}
		if e.cfg.Dim > 0 && len(v) != e.cfg.Dim {
			return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(v), e.cfg.Dim)
		}
	}
	return vecs, nil
}
