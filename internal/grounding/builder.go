// Package grounding turns ranked courses into the context block and
// allow-list that constrain the model's answer.
package grounding

import (
	"fmt"
	"strings"

	"github.com/course-advisor/backend/internal/catalog"
)

// Maximum lengths, in characters, of the free-text fields in a detail block.
const (
	MaxDescription      = 500
	MaxGoals            = 300
	MaxLearningOutcomes = 300
)

// MaxRecommendations is how many allow-listed courses the model may recommend.
const MaxRecommendations = 3

// Result is the retrieval outcome frozen for a conversation.
type Result struct {
	Courses []catalog.Course
	// Detail holds one rendered block per course, in ranked order.
	Detail string
	// Names is the allow-list: display names in ranked order, verbatim.
	Names []string
}

// Build renders the ranked rows. Names[i] is always Courses[i].DisplayName().
func Build(rows []catalog.Row) Result {
	res := Result{
		Courses: make([]catalog.Course, 0, len(rows)),
		Names:   make([]string, 0, len(rows)),
	}

	blocks := make([]string, 0, len(rows))
	for i, row := range rows {
		c := row.Course
		name := c.DisplayName()

		blocks = append(blocks, fmt.Sprintf(
			"%d. %s (%s)\n"+
				"   EAP: %s | Semester: %s | Keel: %s | Õppeviis: %s\n"+
				"   Õppeaste: %s | Linn: %s\n"+
				"   Kirjeldus: %s\n"+
				"   Eesmärgid: %s\n"+
				"   Õpiväljundid: %s",
			i+1, name, c.NameEN,
			c.CreditsText(), orUnknown(c.Semester), orUnknown(c.Language), orUnknown(c.DeliveryMode),
			orUnknown(c.DegreeLevel), orUnknown(c.City),
			Truncate(c.Description, MaxDescription),
			Truncate(c.Goals, MaxGoals),
			Truncate(c.LearningOutcomes, MaxLearningOutcomes),
		))

		res.Courses = append(res.Courses, c)
		res.Names = append(res.Names, name)
	}

	res.Detail = strings.Join(blocks, "\n\n")
	return res
}

// Truncate cuts s to at most limit characters. The cut ignores word boundaries.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

func orUnknown(v string) string {
	if v == "" {
		return catalog.UnknownName
	}
	return v
}
