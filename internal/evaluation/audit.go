// Package evaluation checks answers against their grounding and measures
// retrieval quality over a labelled query set.
package evaluation

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/course-advisor/backend/internal/catalog"
)

// MinNameLength is the shortest display name the auditor looks for. Shorter
// names match ordinary words too often.
const MinNameLength = 5

// Audit is the result of checking one reply against its allow-list.
type Audit struct {
	// Mentioned are allow-listed names that appear in the reply.
	Mentioned []string
	// OffList are catalog names that appear in the reply but were not
	// retrieved for it.
	OffList []string
}

func (a Audit) Grounded() bool {
	return len(a.OffList) == 0
}

// Auditor finds catalog course names in model replies. Matching is a
// case-insensitive substring search, so it catches verbatim names only.
type Auditor struct {
	names []string
	lower []string
}

func NewAuditor(courses []catalog.Course) *Auditor {
	seen := make(map[string]bool, len(courses))
	a := &Auditor{}
	for _, c := range courses {
		name := c.DisplayName()
		key := strings.ToLower(name)
		if seen[key] || utf8.RuneCountInString(name) < MinNameLength || name == catalog.UnknownName {
			continue
		}
		seen[key] = true
		a.names = append(a.names, name)
		a.lower = append(a.lower, key)
	}
	return a
}

// Check reports which allowed and which off-list names the reply contains.
// A catalog name that is part of an allowed name is not counted as off-list.
func (a *Auditor) Check(reply string, allowed []string) Audit {
	text := strings.ToLower(reply)

	allowedLower := make([]string, 0, len(allowed))
	isAllowed := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		l := strings.ToLower(n)
		allowedLower = append(allowedLower, l)
		isAllowed[l] = true
	}

	var audit Audit
	for i, n := range allowed {
		if allowedLower[i] != "" && strings.Contains(text, allowedLower[i]) {
			audit.Mentioned = append(audit.Mentioned, n)
		}
	}

	for i, key := range a.lower {
		if isAllowed[key] || !strings.Contains(text, key) {
			continue
		}
		if partOfAny(key, allowedLower) {
			continue
		}
		audit.OffList = append(audit.OffList, a.names[i])
	}
	sort.Strings(audit.OffList)

	return audit
}

func partOfAny(s string, names []string) bool {
	for _, n := range names {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}
