package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/internal/metrics"
	"github.com/course-advisor/backend/pkg/circuitbreaker"
	"github.com/course-advisor/backend/pkg/logger"
	"github.com/course-advisor/backend/pkg/retry"
)

var (
	ErrMissingAPIKey = errors.New("api key is required")
	// ErrCircuitOpen is returned while the upstream is considered down.
	ErrCircuitOpen = circuitbreaker.ErrCircuitOpen
)

type Role string

const (
	RoleSystem    Role = openai.ChatMessageRoleSystem
	RoleUser      Role = openai.ChatMessageRoleUser
	RoleAssistant Role = openai.ChatMessageRoleAssistant
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatRequest struct {
	APIKey   string
	Messages []Message
}

type ChatResponse struct {
	Content string
	// Usage is nil when the provider did not report token counts.
	Usage *Usage
}

type ChatConfig struct {
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client streams chat completions from an OpenAI-compatible endpoint. The
// API key comes with each request; the caller owns it.
type Client struct {
	cfg         ChatConfig
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(cfg ChatConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsFailure:        isUpstreamFailure,
		OnStateChange:    recordCircuitState,
		Logger:           logger.GetLogger(),
	})

	logger.Info("LLM client initialized",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
	)

	return &Client{
		cfg: cfg,
		cb:  cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Retryable:      isUpstreamFailure,
			Logger:         logger.GetLogger(),
		},
	}
}

func (c *Client) Model() string {
	return c.cfg.Model
}

// StreamChat sends the conversation and calls onDelta with each piece of
// generated text as it arrives. Only opening the stream is retried; a stream
// that breaks midway fails the whole call.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onDelta func(string)) (*ChatResponse, error) {
	if req.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	apiCfg := openai.DefaultConfig(req.APIKey)
	if c.cfg.BaseURL != "" {
		apiCfg.BaseURL = c.cfg.BaseURL
	}
	client := openai.NewClientWithConfig(apiCfg)

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}

	var stream *openai.ChatCompletionStream
	err := c.cb.Execute(func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			s, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
				Model:         c.cfg.Model,
				Messages:      messages,
				Temperature:   c.cfg.Temperature,
				MaxTokens:     c.cfg.MaxTokens,
				Stream:        true,
				StreamOptions: &openai.StreamOptions{IncludeUsage: true},
			})
			if err != nil {
				return fmt.Errorf("failed to open completion stream: %w", err)
			}
			stream = s
			return nil
		})
	})
	if err != nil {
		metrics.LLMErrors.WithLabelValues("chat").Inc()
		return nil, err
	}
	defer stream.Close()

	var (
		text  strings.Builder
		usage *Usage
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.LLMErrors.WithLabelValues("chat_stream").Inc()
			return nil, fmt.Errorf("completion stream failed: %w", err)
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			delta := chunk.Choices[0].Delta.Content
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}

	if usage != nil {
		logger.Debug("LLM completion streamed",
			zap.Int("prompt_tokens", usage.PromptTokens),
			zap.Int("completion_tokens", usage.CompletionTokens),
		)
	} else {
		logger.Debug("LLM completion streamed without usage", zap.Int("length", text.Len()))
	}

	return &ChatResponse{Content: text.String(), Usage: usage}, nil
}

// isUpstreamFailure reports whether err is worth retrying and should count
// against the circuit breaker. Rejected keys and bad requests are the
// caller's problem.
func isUpstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func recordCircuitState(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	metrics.CircuitState.WithLabelValues(name).Set(float64(to))
}
