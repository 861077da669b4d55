// Package filter applies the sidebar metadata filters to joined catalog rows.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Any is the "no preference" choice offered by the UI. The empty string is
// treated the same way.
const Any = "Pole oluline"

const (
	DefaultCreditMin = 1
	DefaultCreditMax = 36
)

// NoFilters is how Describe renders a spec without active constraints.
const NoFilters = "filtrid puuduvad"

// CreditRange is an inclusive credit volume (EAP) range. The zero value means
// the default bounds.
type CreditRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultCredits is the full slider range.
func DefaultCredits() CreditRange {
	return CreditRange{Min: DefaultCreditMin, Max: DefaultCreditMax}
}

func (r CreditRange) normalized(bounds CreditRange) CreditRange {
	if r == (CreditRange{}) {
		return bounds
	}
	return r
}

// Spec is one selection per filterable attribute. It is passed by value into
// every retrieval and never shared.
type Spec struct {
	Semester     string      `json:"semester"`
	Language     string      `json:"language"`
	DegreeLevel  string      `json:"degree_level"`
	DeliveryMode string      `json:"delivery_mode"`
	City         string      `json:"city"`
	Credits      CreditRange `json:"credits"`
}

func active(v string) bool {
	return v != "" && v != Any
}

// Validate checks the credit range against the configured bounds.
func (s Spec) Validate(bounds CreditRange) error {
	r := s.Credits.normalized(bounds)
	if r.Min > r.Max {
		return fmt.Errorf("credit range %v–%v is inverted", r.Min, r.Max)
	}
	if r.Min < bounds.Min || r.Max > bounds.Max {
		return fmt.Errorf("credit range %v–%v is outside %v–%v", r.Min, r.Max, bounds.Min, bounds.Max)
	}
	return nil
}

// Describe renders the active constraints for the model instruction,
// e.g. "semester: kevad, keel: inglise keel, EAP: 3–6".
func (s Spec) Describe(bounds CreditRange) string {
	var parts []string
	add := func(label, value string) {
		if active(value) {
			parts = append(parts, label+": "+value)
		}
	}

	add("semester", s.Semester)
	add("keel", s.Language)
	add("õppeaste", s.DegreeLevel)
	add("õppeviis", s.DeliveryMode)
	add("linn", s.City)

	if r := s.Credits.normalized(bounds); r != bounds {
		parts = append(parts, "EAP: "+formatCredits(r.Min)+"–"+formatCredits(r.Max))
	}

	if len(parts) == 0 {
		return NoFilters
	}
	return strings.Join(parts, ", ")
}

func formatCredits(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
