package models

import "time"

// RetrievalRecord is one first-turn retrieval of a conversation.
type RetrievalRecord struct {
	ID            string
	SessionID     string
	QueryText     string
	Filters       string
	Outcome       string
	FilteredCount int
	TotalCount    int
	CourseIDs     []string
	LatencyMS     int
	CreatedAt     time.Time
}

// TurnRecord is one completed model call. Token counts are nil when the
// provider did not report usage.
type TurnRecord struct {
	ID           string
	SessionID    string
	Grounded     bool
	Model        string
	InputTokens  *int
	OutputTokens *int
	CostUSD      *float64
	LatencyMS    int
	CreatedAt    time.Time
}
