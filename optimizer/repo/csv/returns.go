package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/glbter/distributed-systems/portfolio-engine/entities"
)

var ErrInvalidCSV = errors.New("invalid csv")

// indexColumns are headers of an unnamed leading index column, always
// skipped.
var indexColumns = map[string]struct{}{
	"":           {},
	"unnamed: 0": {},
}

// labelColumns are header names of a leading column that may carry period
// labels. It is skipped only when its values are not numbers.
var labelColumns = map[string]struct{}{
	"date":      {},
	"datetime":  {},
	"time":      {},
	"timestamp": {},
	"index":     {},
	"period":    {},
}

// ParseReturns reads a returns table. The header row holds the tickers and
// every following row one period. A leading date or index column is skipped.
func ParseReturns(r io.Reader) (entities.ReturnsTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return entities.ReturnsTable{}, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}
	if len(records) == 0 {
		return entities.ReturnsTable{}, fmt.Errorf("%w: file is empty", ErrInvalidCSV)
	}
	if len(records) == 1 {
		return entities.ReturnsTable{}, fmt.Errorf("%w: no data rows", ErrInvalidCSV)
	}

	header := records[0]
	skip := 0
	if hasLabelColumn(header, records[1]) {
		skip = 1
	}
	if len(header) <= skip {
		return entities.ReturnsTable{}, fmt.Errorf("%w: no ticker columns", ErrInvalidCSV)
	}

	tickers := make([]string, 0, len(header)-skip)
	for _, name := range header[skip:] {
		tickers = append(tickers, strings.TrimSpace(name))
	}

	rows := make([][]float64, 0, len(records)-1)
	for i, record := range records[1:] {
		row := make([]float64, len(tickers))
		for j, cell := range record[skip:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return entities.ReturnsTable{}, fmt.Errorf("%w: line %d column %q: %w", ErrInvalidCSV, i+2, tickers[j], err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}

	table := entities.ReturnsTable{Tickers: tickers, Rows: rows}
	if err := table.Validate(); err != nil {
		return entities.ReturnsTable{}, fmt.Errorf("%w: %w", ErrInvalidCSV, err)
	}

	return table, nil
}

// hasLabelColumn reports whether the first column is a period label: an
// unnamed index, or a known label header over values that are not numbers.
// Any other column is read as returns.
func hasLabelColumn(header, first []string) bool {
	name := strings.ToLower(strings.TrimSpace(header[0]))
	if _, ok := indexColumns[name]; ok {
		return true
	}
	if _, ok := labelColumns[name]; !ok {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(first[0]), 64)

	return err != nil
}

// WriteReturns writes table in the layout read by ParseReturns, without a
// label column.
func WriteReturns(w io.Writer, table entities.ReturnsTable) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Tickers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, table.Assets())
	for _, row := range table.Rows {
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	writer.Flush()

	return writer.Error()
}
