// Package export writes row streams to spreadsheets.
package export

import (
	"fmt"
	"iter"
	"slices"

	"emconv/internal/metadata"

	"github.com/xuri/excelize/v2"
)

// DefaultSheet is used when no sheet name is given.
const DefaultSheet = "rows"

// WriteXLSX streams rows into a new workbook at path under the given column
// header, or the first row's labels when header is nil. A row may omit header
// labels, which are left as empty cells; a label outside the header is an
// error. It returns the number of data rows written.
func WriteXLSX(path, sheet string, header []metadata.Label, rows iter.Seq[*metadata.Row]) (n int, err error) {
	if sheet == "" {
		sheet = DefaultSheet
	}
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return 0, err
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return 0, err
	}

	started := false
	for row := range rows {
		if !started {
			started = true
			if header == nil {
				header = row.Labels()
			}
			names := make([]any, len(header))
			for i, l := range header {
				names[i] = l.Name()
			}
			if err := sw.SetRow("A1", names, excelize.RowOpts{}); err != nil {
				return n, err
			}
		}
		values, err := rowValues(header, row)
		if err != nil {
			return n, fmt.Errorf("row %d: %w", n+1, err)
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return n, err
		}
		if err := sw.SetRow(cell, values); err != nil {
			return n, err
		}
		n++
	}
	if err := sw.Flush(); err != nil {
		return n, err
	}
	return n, f.SaveAs(path)
}

func rowValues(header []metadata.Label, row *metadata.Row) ([]any, error) {
	for _, l := range row.Labels() {
		if !slices.Contains(header, l) {
			return nil, fmt.Errorf("%w: unexpected %s", metadata.ErrLabelMismatch, l.Name())
		}
	}
	values := make([]any, len(header))
	for i, l := range header {
		if v, ok := row.Get(l); ok {
			values[i] = v
		}
	}
	return values, nil
}
