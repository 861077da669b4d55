package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleCSV = `unique_ID,nimi_et,nimi_en,kirjeldus,eesmargid,opivaljundid,eap,semester,keel,oppeaste,veebiope,linn,extra
LTAT.01.001,Masinõpe,Machine Learning,<p>Sissejuhatus <b>masinõppesse</b></p>,Eesmärk,Väljund,6,kevad,"eesti keel, inglise keel",bakalaureuseõpe,lähiõpe,Tartu linn,x
LTAT.01.002,,Data Mining,Kirjeldus,,,"3,5",sügis,inglise keel,magistriõpe,veebiõpe,Tartu linn,y
LTAT.01.003,Loogika,,,,,nan,,nan,,,,
,Ilma ID-ta,,,,,6,kevad,eesti keel,,,,
`

type staticEmbeddings struct {
	embeddings []Embedding
	err        error
}

func (s staticEmbeddings) ReadEmbeddings(context.Context) ([]Embedding, error) {
	return s.embeddings, s.err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadCourses_CSV(t *testing.T) {
	courses, err := ReadCourses(writeFile(t, "courses.csv", sampleCSV))
	require.NoError(t, err)
	require.Len(t, courses, 3)

	ml := courses[0]
	assert.Equal(t, "LTAT.01.001", ml.ID)
	assert.Equal(t, "Masinõpe", ml.NameET)
	assert.Equal(t, "Sissejuhatus masinõppesse", ml.Description)
	assert.Equal(t, "eesti keel, inglise keel", ml.Language)
	require.NotNil(t, ml.Credits)
	assert.Equal(t, 6.0, *ml.Credits)

	dm := courses[1]
	assert.Equal(t, "Data Mining", dm.DisplayName())
	require.NotNil(t, dm.Credits)
	assert.Equal(t, 3.5, *dm.Credits)

	logic := courses[2]
	assert.Nil(t, logic.Credits)
	assert.Empty(t, logic.Language)
	assert.Empty(t, logic.Semester)
}

func TestReadCourses_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"unique_ID", "nimi_et", "eap", "semester"},
		{"X.1", "Statistika", "6", "sügis"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	path := filepath.Join(t.TempDir(), "courses.xlsx")
	require.NoError(t, f.SaveAs(path))

	courses, err := ReadCourses(path)
	require.NoError(t, err)
	require.Len(t, courses, 1)
	assert.Equal(t, "Statistika", courses[0].NameET)
	assert.Equal(t, "sügis", courses[0].Semester)
}

func TestReadCourses_Errors(t *testing.T) {
	_, err := ReadCourses(writeFile(t, "courses.json", "{}"))
	assert.ErrorContains(t, err, "unsupported catalog format")

	_, err = ReadCourses(writeFile(t, "courses.csv", "nimi_et,eap\nX,6\n"))
	assert.ErrorContains(t, err, "unique_ID")

	_, err = ReadCourses(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_Load(t *testing.T) {
	loader := Loader{
		CoursesPath: writeFile(t, "courses.csv", sampleCSV),
		Embeddings: staticEmbeddings{embeddings: []Embedding{
			{CourseID: "LTAT.01.001", Vector: []float32{1, 0}},
			{CourseID: "LTAT.01.003", Vector: []float32{0, 1}},
		}},
	}

	cat, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cat.Len())
	assert.Len(t, cat.Join(), 2)
}

func TestLoader_EmbeddingFailureIsFatal(t *testing.T) {
	loader := Loader{
		CoursesPath: writeFile(t, "courses.csv", sampleCSV),
		Embeddings:  staticEmbeddings{err: errors.New("corrupt table")},
	}

	cat, err := loader.Load(context.Background())
	assert.Nil(t, cat)
	assert.ErrorContains(t, err, "corrupt table")
}

func TestLoader_RejectsUnusableEmbeddings(t *testing.T) {
	courses := writeFile(t, "courses.csv", sampleCSV)

	tests := []struct {
		name       string
		embeddings []Embedding
		dimension  int
		wantErr    error
	}{
		{
			name:    "empty set",
			wantErr: ErrNoEmbeddings,
		},
		{
			name:       "no id matches",
			embeddings: []Embedding{{CourseID: "OTHER.01", Vector: []float32{1, 0}}},
			wantErr:    ErrNoEmbeddings,
		},
		{
			name:       "query model dimension differs",
			embeddings: []Embedding{{CourseID: "LTAT.01.001", Vector: []float32{1, 0}}},
			dimension:  3,
			wantErr:    ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := Loader{
				CoursesPath: courses,
				Embeddings:  staticEmbeddings{embeddings: tt.embeddings},
				Dimension:   tt.dimension,
			}

			cat, err := loader.Load(context.Background())
			assert.Nil(t, cat)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoader_MatchingDimension(t *testing.T) {
	loader := Loader{
		CoursesPath: writeFile(t, "courses.csv", sampleCSV),
		Embeddings:  staticEmbeddings{embeddings: []Embedding{{CourseID: "LTAT.01.002", Vector: []float32{1, 0}}}},
		Dimension:   2,
	}

	cat, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Dimension())
}

func TestHandle_LoadsOnce(t *testing.T) {
	calls := 0
	h := NewHandle(func(context.Context) (*Catalog, error) {
		calls++
		return New([]Course{{ID: "a"}}, nil)
	})

	first, err := h.Get(context.Background())
	require.NoError(t, err)
	second, err := h.Get(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestHandle_CachesFailure(t *testing.T) {
	calls := 0
	h := NewHandle(func(context.Context) (*Catalog, error) {
		calls++
		return nil, errors.New("disk gone")
	})

	_, err1 := h.Get(context.Background())
	_, err2 := h.Get(context.Background())
	assert.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, calls)
}
