package catalog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/course-advisor/backend/pkg/logger"
)

// Source column names.
const (
	ColID               = "unique_ID"
	ColNameET           = "nimi_et"
	ColNameEN           = "nimi_en"
	ColDescription      = "kirjeldus"
	ColGoals            = "eesmargid"
	ColLearningOutcomes = "opivaljundid"
	ColCredits          = "eap"
	ColSemester         = "semester"
	ColLanguage         = "keel"
	ColDegreeLevel      = "oppeaste"
	ColDeliveryMode     = "veebiope"
	ColCity             = "linn"
)

// EmbeddingReader supplies the precomputed course vectors.
type EmbeddingReader interface {
	ReadEmbeddings(ctx context.Context) ([]Embedding, error)
}

type Loader struct {
	CoursesPath string
	Embeddings  EmbeddingReader
	// Dimension is the query embedding size; 0 accepts any.
	Dimension int
}

func (l Loader) Load(ctx context.Context) (*Catalog, error) {
	courses, err := ReadCourses(l.CoursesPath)
	if err != nil {
		return nil, err
	}

	embeddings, err := l.Embeddings.ReadEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}

	if len(embeddings) == 0 {
		return nil, ErrNoEmbeddings
	}

	cat, err := New(courses, embeddings)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}
	if len(cat.Join()) == 0 {
		return nil, fmt.Errorf("%w: none of %d embeddings match a course id", ErrNoEmbeddings, len(embeddings))
	}
	if l.Dimension > 0 && cat.Dimension() != l.Dimension {
		return nil, fmt.Errorf("%w: catalog vectors have %d, query model produces %d",
			ErrDimensionMismatch, cat.Dimension(), l.Dimension)
	}

	logger.Info("Catalog loaded",
		zap.String("path", l.CoursesPath),
		zap.Int("courses", cat.Len()),
		zap.Int("embeddings", cat.EmbeddingCount()),
		zap.Int("joined", len(cat.Join())),
		zap.Int("dimension", cat.Dimension()),
	)

	return cat, nil
}

// ReadCourses parses a .csv or .xlsx catalog with a header row.
func ReadCourses(path string) ([]Course, error) {
	var (
		records [][]string
		err     error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		records, err = readCSV(path)
	case ".xlsx":
		records, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("unsupported catalog format: %s", path)
	}
	if err != nil {
		return nil, err
	}

	return parseRecords(records)
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	return decodeCSV(f)
}

func decodeCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog csv: %w", err)
	}
	return records, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("catalog workbook has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func parseRecords(records [][]string) ([]Course, error) {
	if len(records) == 0 {
		return nil, ErrEmptyCatalog
	}

	index := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	if _, ok := index[ColID]; !ok {
		return nil, fmt.Errorf("catalog header has no %s column", ColID)
	}

	courses := make([]Course, 0, len(records)-1)
	for line, rec := range records[1:] {
		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			v := strings.TrimSpace(rec[i])
			if strings.EqualFold(v, "nan") {
				return ""
			}
			return v
		}

		id := cell(ColID)
		if id == "" {
			logger.Warn("Skipping catalog row without id", zap.Int("line", line+2))
			continue
		}

		courses = append(courses, Course{
			ID:               id,
			NameET:           cell(ColNameET),
			NameEN:           cell(ColNameEN),
			Description:      plainText(cell(ColDescription)),
			Goals:            plainText(cell(ColGoals)),
			LearningOutcomes: plainText(cell(ColLearningOutcomes)),
			Credits:          parseCredits(id, cell(ColCredits)),
			Semester:         cell(ColSemester),
			Language:         cell(ColLanguage),
			DegreeLevel:      cell(ColDegreeLevel),
			DeliveryMode:     cell(ColDeliveryMode),
			City:             cell(ColCity),
		})
	}

	return courses, nil
}

// parseCredits returns nil for missing, unparsable and non-positive values.
func parseCredits(id, raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.Replace(raw, ",", ".", 1), 64)
	if err != nil || v <= 0 {
		logger.Warn("Ignoring invalid credit volume", zap.String("course_id", id), zap.String("value", raw))
		return nil
	}
	return &v
}

// plainText strips HTML markup some catalog exports leave in free-text fields.
func plainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}
