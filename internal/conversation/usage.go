package conversation

import (
	"github.com/course-advisor/backend/internal/llm"
)

// Pricing estimates the cost of one model call in USD.
type Pricing interface {
	Cost(usage llm.Usage) float64
}

// FlatPricing charges a fixed USD rate per million tokens.
type FlatPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

func DefaultPricing() FlatPricing {
	return FlatPricing{InputPerMillion: 0.10, OutputPerMillion: 0.10}
}

func (p FlatPricing) Cost(u llm.Usage) float64 {
	return float64(u.PromptTokens)/1e6*p.InputPerMillion +
		float64(u.CompletionTokens)/1e6*p.OutputPerMillion
}

// Totals are the running token counters of a session. A turn whose usage was
// not reported leaves the counters as they were and bumps UnreportedTurns.
type Totals struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	ReportedTurns   int     `json:"reported_turns"`
	UnreportedTurns int     `json:"unreported_turns"`
}

func (t Totals) add(u *llm.Usage, pricing Pricing) Totals {
	if u == nil {
		t.UnreportedTurns++
		return t
	}
	t.InputTokens += u.PromptTokens
	t.OutputTokens += u.CompletionTokens
	if pricing != nil {
		t.CostUSD += pricing.Cost(*u)
	}
	t.ReportedTurns++
	return t
}
