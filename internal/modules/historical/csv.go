// Package historical loads periodic asset returns into a ReturnsTable.
package historical

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/markowitz/internal/modules/optimization"
)

// DateLayout is the expected format of the date column
const DateLayout = "2006-01-02"

// LoadReturnsFile reads a returns CSV from disk.
func LoadReturnsFile(path string) (optimization.ReturnsTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return optimization.ReturnsTable{}, fmt.Errorf("failed to open returns file: %w", err)
	}
	defer f.Close()

	table, err := ReadReturnsCSV(f)
	if err != nil {
		return optimization.ReturnsTable{}, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ReadReturnsCSV parses a header of "date,<asset>..." followed by one row per
// period of fractional returns. Empty cells and NaN mark missing values.
func ReadReturnsCSV(r io.Reader) (optimization.ReturnsTable, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return optimization.ReturnsTable{}, fmt.Errorf("returns file is empty")
	}
	if err != nil {
		return optimization.ReturnsTable{}, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) < 2 || !strings.EqualFold(strings.TrimSpace(header[0]), "date") {
		return optimization.ReturnsTable{}, fmt.Errorf("header must be date followed by at least one asset")
	}

	table := optimization.ReturnsTable{Assets: make([]string, len(header)-1)}
	for i, name := range header[1:] {
		table.Assets[i] = strings.TrimSpace(name)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return optimization.ReturnsTable{}, fmt.Errorf("failed to read row: %w", err)
		}
		line, _ := reader.FieldPos(0)

		date, err := time.Parse(DateLayout, strings.TrimSpace(record[0]))
		if err != nil {
			return optimization.ReturnsTable{}, fmt.Errorf("line %d: invalid date %q", line, record[0])
		}

		row := make([]float64, len(table.Assets))
		for i, cell := range record[1:] {
			v, err := parseReturn(cell)
			if err != nil {
				return optimization.ReturnsTable{}, fmt.Errorf("line %d, %s: %w", line, table.Assets[i], err)
			}
			row[i] = v
		}

		table.Dates = append(table.Dates, date)
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

func parseReturn(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" || strings.EqualFold(cell, "nan") || strings.EqualFold(cell, "null") {
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid return %q", cell)
	}
	return v, nil
}
