// Package dataset loads labelled numeric tables and splits them into train and test
// partitions.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/objones25/knnsweep/internal/errdefs"
)

// Frame is a numeric table whose label column has not been separated yet. Keeping the
// label inside the row lets partitioning move features and labels together.
type Frame struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.Rows) }

// Slice returns rows [lo, hi) sharing the underlying row storage.
func (f *Frame) Slice(lo, hi int) *Frame {
	return &Frame{Columns: f.Columns, Rows: f.Rows[lo:hi]}
}

// Table is a frame with its label column removed.
type Table struct {
	Columns  []string    // Feature column names
	Features [][]float64 // One fixed-width vector per row
	Labels   []int
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Features) }

// Labelled reports whether every row carries a label.
func (t *Table) Labelled() bool { return t.Labels != nil }

// Width returns the feature width.
func (t *Table) Width() int { return len(t.Columns) }

// Classes returns the sorted distinct labels.
func (t *Table) Classes() []int {
	out := slices.Clone(t.Labels)
	slices.Sort(out)
	return slices.Compact(out)
}

// LoadCSV reads a CSV file with a header row and numeric cells.
func LoadCSV(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Newf("dataset.LoadCSV", errdefs.ErrData, "%s: %v", path, err)
	}
	defer f.Close()

	frame, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return frame, nil
}

// ReadCSV parses CSV content with a header row and numeric cells.
func ReadCSV(r io.Reader) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errdefs.New("dataset.ReadCSV", errdefs.ErrData, "missing header row")
		}
		return nil, errdefs.New("dataset.ReadCSV", errdefs.ErrData, err.Error())
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	frame := &Frame{Columns: columns}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// csv reports field count mismatches here, which is the width invariant.
			return nil, errdefs.New("dataset.ReadCSV", errdefs.ErrData, err.Error())
		}
		row := make([]float64, len(record))
		for j, cell := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, errdefs.Newf("dataset.ReadCSV", errdefs.ErrData,
					"line %d column %q: %v", line, columns[j], err)
			}
			row[j] = v
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame, nil
}

// Separate removes the label column and returns features and integer labels.
func (f *Frame) Separate(labelColumn string) (*Table, error) {
	idx := slices.Index(f.Columns, labelColumn)
	if idx < 0 {
		return nil, errdefs.Newf("dataset.Separate", errdefs.ErrData, "label column %q not found", labelColumn)
	}

	t := &Table{
		Columns:  slices.Delete(slices.Clone(f.Columns), idx, idx+1),
		Features: make([][]float64, len(f.Rows)),
		Labels:   make([]int, len(f.Rows)),
	}
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return nil, errdefs.Newf("dataset.Separate", errdefs.ErrData,
				"row %d has %d cells, want %d", i, len(row), len(f.Columns))
		}
		label := row[idx]
		if label != math.Trunc(label) || math.IsInf(label, 0) {
			return nil, errdefs.Newf("dataset.Separate", errdefs.ErrData, "row %d label %v is not an integer", i, label)
		}
		t.Labels[i] = int(label)

		features := make([]float64, 0, len(row)-1)
		features = append(features, row[:idx]...)
		features = append(features, row[idx+1:]...)
		t.Features[i] = features
	}
	return t, nil
}

// Unlabelled returns the frame as a table without labels. The label column is dropped
// when present, so labelled and unlabelled sources share one feature space.
func (f *Frame) Unlabelled(labelColumn string) (*Table, error) {
	if slices.Contains(f.Columns, labelColumn) {
		t, err := f.Separate(labelColumn)
		if err != nil {
			return nil, err
		}
		t.Labels = nil
		return t, nil
	}

	t := &Table{
		Columns:  slices.Clone(f.Columns),
		Features: make([][]float64, len(f.Rows)),
	}
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return nil, errdefs.Newf("dataset.Unlabelled", errdefs.ErrData,
				"row %d has %d cells, want %d", i, len(row), len(f.Columns))
		}
		t.Features[i] = slices.Clone(row)
	}
	return t, nil
}

// CheckCompatible verifies that train and test can be compared in one feature space.
func CheckCompatible(train, test *Table) error {
	if train.Len() == 0 {
		return errdefs.New("dataset.CheckCompatible", errdefs.ErrData, "training table is empty")
	}
	if !train.Labelled() {
		return errdefs.New("dataset.CheckCompatible", errdefs.ErrData, "training table has no labels")
	}
	if test.Len() == 0 {
		return errdefs.New("dataset.CheckCompatible", errdefs.ErrData, "test table is empty")
	}
	if train.Width() != test.Width() {
		return errdefs.Newf("dataset.CheckCompatible", errdefs.ErrData,
			"feature width mismatch: train=%d test=%d", train.Width(), test.Width())
	}
	if !slices.Equal(train.Columns, test.Columns) {
		return errdefs.New("dataset.CheckCompatible", errdefs.ErrData, "train and test feature columns differ")
	}
	return nil
}
