package historical

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReturnsCSV(t *testing.T) {
	input := `date,AAA,BBB
# comment lines are skipped
2024-01-02,0.01,-0.02
2024-01-03, ,0.005
2024-01-04,NaN,0.001
`
	table, err := ReadReturnsCSV(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA", "BBB"}, table.Assets)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), table.Dates[0])
	assert.Equal(t, []float64{0.01, -0.02}, table.Rows[0])
	assert.True(t, math.IsNaN(table.Rows[1][0]))
	assert.True(t, math.IsNaN(table.Rows[2][0]))
	assert.Equal(t, 0.001, table.Rows[2][1])
	assert.NoError(t, table.Validate())
}

func TestReadReturnsCSV_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "empty"},
		{"no assets", "date\n2024-01-02\n", "header"},
		{"wrong first column", "day,AAA\n2024-01-02,0.1\n", "header"},
		{"bad date", "date,AAA\n02/01/2024,0.1\n", "invalid date"},
		{"bad value", "date,AAA\n2024-01-02,abc\n", "invalid return"},
		{"short row", "date,AAA,BBB\n2024-01-02,0.1\n", "failed to read row"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadReturnsCSV(strings.NewReader(tc.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadReturnsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "returns.csv")
	require.NoError(t, os.WriteFile(path, []byte("date,X\n2024-01-02,0.01\n2024-01-03,0.02\n"), 0644))

	table, err := LoadReturnsFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, table.Assets)
	assert.Len(t, table.Rows, 2)

	_, err = LoadReturnsFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
