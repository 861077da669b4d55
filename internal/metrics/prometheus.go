package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "course_advisor_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"phase"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_advisor_turns_total",
			Help: "Conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	FilteredCandidates = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "course_advisor_filtered_candidates",
			Help:    "Catalog rows left after metadata filtering",
			Buckets: []float64{0, 1, 3, 10, 30, 100, 300, 1000, 3000},
		},
	)

	RetrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "course_advisor_retrieval_duration_seconds",
			Help:    "Filter, rank and grounding duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_advisor_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_advisor_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	LLMErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_advisor_llm_errors_total",
			Help: "Failed model or embedding calls",
		},
		[]string{"operation"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "course_advisor_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_advisor_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "course_advisor_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "course_advisor_active_sessions",
			Help: "Conversation sessions currently held in memory",
		},
	)

	OffListMentions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "course_advisor_off_list_mentions_total",
			Help: "Catalog courses named in a reply without being retrieved for it",
		},
	)

	CatalogCourses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "course_advisor_catalog_courses",
			Help: "Courses in the loaded catalog",
		},
		[]string{"view"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TurnDuration,
			TurnsTotal,
			FilteredCandidates,
			RetrievalDuration,
			LLMTokensUsed,
			LLMCost,
			LLMErrors,
			CircuitState,
			CacheHits,
			CacheMisses,
			ActiveSessions,
			OffListMentions,
			CatalogCourses,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
