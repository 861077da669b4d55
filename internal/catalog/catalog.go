package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID       = errors.New("duplicate course id")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyCatalog      = errors.New("catalog is empty")
	ErrNoEmbeddings      = errors.New("no course has an embedding")
)

// Catalog is read-only after New returns and safe for concurrent use.
type Catalog struct {
	courses    []Course
	vectors    map[string][]float32
	dimension  int
	embeddings int
}

func New(courses []Course, embeddings []Embedding) (*Catalog, error) {
	if len(courses) == 0 {
		return nil, ErrEmptyCatalog
	}

	seen := make(map[string]struct{}, len(courses))
	for _, c := range courses {
		if c.ID == "" {
			return nil, errors.New("course without id")
		}
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	cat := &Catalog{
		courses: append([]Course(nil), courses...),
		vectors: make(map[string][]float32, len(embeddings)),
	}

	for _, e := range embeddings {
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("%w: empty vector for %s", ErrDimensionMismatch, e.CourseID)
		}
		if cat.dimension == 0 {
			cat.dimension = len(e.Vector)
		}
		if len(e.Vector) != cat.dimension {
			return nil, fmt.Errorf("%w: %s has %d, expected %d",
				ErrDimensionMismatch, e.CourseID, len(e.Vector), cat.dimension)
		}
		if _, dup := cat.vectors[e.CourseID]; dup {
			return nil, fmt.Errorf("%w: embedding %s", ErrDuplicateID, e.CourseID)
		}
		cat.vectors[e.CourseID] = append([]float32(nil), e.Vector...)
	}
	cat.embeddings = len(embeddings)

	return cat, nil
}

// Len is the number of courses, with or without an embedding.
func (c *Catalog) Len() int {
	return len(c.courses)
}

func (c *Catalog) EmbeddingCount() int {
	return c.embeddings
}

// Dimension of every embedding vector, 0 when there are none.
func (c *Catalog) Dimension() int {
	return c.dimension
}

// Courses returns a copy of the catalog in source order.
func (c *Catalog) Courses() []Course {
	return append([]Course(nil), c.courses...)
}

// Join inner-joins courses with embeddings on the course ID, keeping catalog
// order. Courses without an embedding are dropped.
func (c *Catalog) Join() []Row {
	rows := make([]Row, 0, len(c.courses))
	for _, course := range c.courses {
		vec, ok := c.vectors[course.ID]
		if !ok {
			continue
		}
		rows = append(rows, Row{Course: course, Vector: vec})
	}
	return rows
}
