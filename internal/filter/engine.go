package filter

import (
	"strings"

	"github.com/course-advisor/backend/internal/catalog"
)

// Engine evaluates specs against catalog rows. Bounds is the full credit
// range; a spec covering exactly that range does not constrain credits.
type Engine struct {
	Bounds CreditRange
}

func NewEngine(bounds CreditRange) Engine {
	if bounds == (CreditRange{}) {
		bounds = DefaultCredits()
	}
	return Engine{Bounds: bounds}
}

// Apply keeps the rows that satisfy every active constraint, in input order.
// Rows missing a value for a constrained field never match. An empty result
// is a normal outcome.
func (e Engine) Apply(rows []catalog.Row, spec Spec) []catalog.Row {
	checks := predicates(spec, e.Bounds)
	if len(checks) == 0 {
		return append([]catalog.Row(nil), rows...)
	}

	out := make([]catalog.Row, 0, len(rows))
	for _, row := range rows {
		if matchAll(row.Course, checks) {
			out = append(out, row)
		}
	}
	return out
}

// Count returns how many rows Apply would keep.
func (e Engine) Count(rows []catalog.Row, spec Spec) int {
	checks := predicates(spec, e.Bounds)
	n := 0
	for _, row := range rows {
		if matchAll(row.Course, checks) {
			n++
		}
	}
	return n
}

type predicate func(catalog.Course) bool

func matchAll(c catalog.Course, checks []predicate) bool {
	for _, ok := range checks {
		if !ok(c) {
			return false
		}
	}
	return true
}

func predicates(spec Spec, bounds CreditRange) []predicate {
	var checks []predicate

	equals := func(want string, field func(catalog.Course) string) {
		if !active(want) {
			return
		}
		checks = append(checks, func(c catalog.Course) bool {
			v := field(c)
			return v != "" && v == want
		})
	}

	equals(spec.Semester, func(c catalog.Course) string { return c.Semester })
	equals(spec.DegreeLevel, func(c catalog.Course) string { return c.DegreeLevel })
	equals(spec.DeliveryMode, func(c catalog.Course) string { return c.DeliveryMode })
	equals(spec.City, func(c catalog.Course) string { return c.City })

	// Language cells list several languages, e.g. "eesti keel, inglise keel".
	if active(spec.Language) {
		want := spec.Language
		checks = append(checks, func(c catalog.Course) bool {
			return c.Language != "" && strings.Contains(c.Language, want)
		})
	}

	if r := spec.Credits.normalized(bounds); r != bounds {
		checks = append(checks, func(c catalog.Course) bool {
			return c.Credits != nil && *c.Credits >= r.Min && *c.Credits <= r.Max
		})
	}

	return checks
}

func (e Engine) Describe(spec Spec) string {
	return spec.Describe(e.Bounds)
}

func (e Engine) Validate(spec Spec) error {
	return spec.Validate(e.Bounds)
}
