// Package catalog holds the immutable course catalog and its precomputed
// embedding vectors.
package catalog

import "strconv"

// UnknownName is shown when a course has no name in either language.
const UnknownName = "?"

// Course is one row of the course catalog. Empty strings and a nil Credits
// mean the value is missing in the source.
type Course struct {
	ID               string   `json:"id"`
	NameET           string   `json:"name_et"`
	NameEN           string   `json:"name_en"`
	Description      string   `json:"description"`
	Goals            string   `json:"goals"`
	LearningOutcomes string   `json:"learning_outcomes"`
	Credits          *float64 `json:"credits,omitempty"`
	Semester         string   `json:"semester"`
	Language         string   `json:"language"`
	DegreeLevel      string   `json:"degree_level"`
	DeliveryMode     string   `json:"delivery_mode"`
	City             string   `json:"city"`
}

// DisplayName prefers the Estonian name, then the English one.
func (c Course) DisplayName() string {
	switch {
	case c.NameET != "":
		return c.NameET
	case c.NameEN != "":
		return c.NameEN
	default:
		return UnknownName
	}
}

// CreditsText formats the credit volume without trailing zeros, or "?" when missing.
func (c Course) CreditsText() string {
	if c.Credits == nil {
		return UnknownName
	}
	return strconv.FormatFloat(*c.Credits, 'f', -1, 64)
}

// Embedding is a precomputed vector keyed by course ID.
type Embedding struct {
	CourseID string
	Vector   []float32
}

// Row is a course joined with its embedding. Vector is shared with the
// catalog and must not be modified.
type Row struct {
	Course Course
	Vector []float32
}
