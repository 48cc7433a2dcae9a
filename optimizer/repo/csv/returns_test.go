package csv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

func TestParseReturns(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		tickers []string
		rows    [][]float64
	}{
		{
			name:    "tickers only",
			input:   "AAPL,MSFT\n0.01,-0.02\n0.005,0.003\n",
			tickers: []string{"AAPL", "MSFT"},
			rows:    [][]float64{{0.01, -0.02}, {0.005, 0.003}},
		},
		{
			name:    "date column",
			input:   "Date,AAPL,MSFT\n2024-01-02,0.01,-0.02\n2024-01-03,0.005,0.003\n",
			tickers: []string{"AAPL", "MSFT"},
			rows:    [][]float64{{0.01, -0.02}, {0.005, 0.003}},
		},
		{
			name:    "unnamed index column",
			input:   ",A\n0,0.1\n1,0.2\n",
			tickers: []string{"A"},
			rows:    [][]float64{{0.1}, {0.2}},
		},
		{
			name:    "time column with labels",
			input:   "time,A,B\n09:30,1,2\n10:30,3,4\n",
			tickers: []string{"A", "B"},
			rows:    [][]float64{{1, 2}, {3, 4}},
		},
		{
			name:    "numeric column named TIME",
			input:   "TIME,A\n0.01,0.02\n0.03,-0.01\n",
			tickers: []string{"TIME", "A"},
			rows:    [][]float64{{0.01, 0.02}, {0.03, -0.01}},
		},
		{
			name:    "numeric column named INDEX",
			input:   "INDEX,DATE,A\n0.01,-0.005,0.02\n-0.02,0.004,0.01\n",
			tickers: []string{"INDEX", "DATE", "A"},
			rows:    [][]float64{{0.01, -0.005, 0.02}, {-0.02, 0.004, 0.01}},
		},
		{
			name:    "pandas unnamed index",
			input:   "Unnamed: 0,A\n0,0.1\n1,0.2\n",
			tickers: []string{"A"},
			rows:    [][]float64{{0.1}, {0.2}},
		},
		{
			name:    "spaces around values",
			input:   "A, B\n 0.1, 0.2\n",
			tickers: []string{"A", "B"},
			rows:    [][]float64{{0.1, 0.2}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			table, err := ParseReturns(strings.NewReader(tc.input))
			require.NoError(t, err)

			assert.Equal(t, tc.tickers, table.Tickers)
			assert.Equal(t, tc.rows, table.Rows)
		})
	}
}

func TestParseReturns_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "header only", input: "A,B\n"},
		{name: "date column only", input: "Date\n2024-01-02\n"},
		{name: "ragged", input: "A,B\n0.1,0.2\n0.3\n"},
		{name: "not a number", input: "A,B\n0.1,abc\n"},
		{name: "empty cell", input: "A,B\n0.1,\n"},
		{name: "duplicated ticker", input: "A,A\n0.1,0.2\n"},
		{name: "nan", input: "A,B\n0.1,NaN\n"},
		{name: "labels under an unknown header", input: "day,A,B\nmon,1,2\ntue,3,4\n"},
		{name: "text in the first column", input: "A,B\nx,0.1\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseReturns(strings.NewReader(tc.input))
			assert.ErrorIs(t, err, ErrInvalidCSV)
		})
	}
}

func TestWriteReturns(t *testing.T) {
	table := entities.ReturnsTable{
		Tickers: []string{"AAPL", "MSFT"},
		Rows:    [][]float64{{0.01, -0.02}, {0.005, 1e-7}},
	}

	var out strings.Builder
	require.NoError(t, WriteReturns(&out, table))
	assert.Equal(t, "AAPL,MSFT\n0.01,-0.02\n0.005,1e-07\n", out.String())

	parsed, err := ParseReturns(strings.NewReader(out.String()))
	require.NoError(t, err)
	assert.Equal(t, table, parsed)
}
