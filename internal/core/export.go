package core

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// ExportFormat selects the error export encoding.
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

// ContentType returns the MIME type of the export.
func (f ExportFormat) ContentType() string {
	if f == ExportXLSX {
		return xlsxMIME
	}
	return "text/csv; charset=utf-8"
}

var exportHeader = []string{"recordIndex", "field", "value", "severity", "code", "message", "suggestion"}

func exportRow(e ValidationError) []string {
	return []string{
		strconv.Itoa(e.RecordIndex),
		e.Field,
		e.Value,
		string(e.Severity),
		e.Code,
		e.Message,
		e.Suggestion,
	}
}

// ExportErrors writes errs to w. It never mutates errs.
func ExportErrors(w io.Writer, format ExportFormat, errs []ValidationError) error {
	switch format {
	case ExportCSV:
		return exportErrorsCSV(w, errs)
	case ExportXLSX:
		return exportErrorsXLSX(w, errs)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedExport, format)
	}
}

func exportErrorsCSV(w io.Writer, errs []ValidationError) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, e := range errs {
		if err := cw.Write(exportRow(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const errorsSheet = "Errors"

func exportErrorsXLSX(w io.Writer, errs []ValidationError) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", errorsSheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(errorsSheet)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return err
	}
	if err := sw.SetColWidth(1, 2, 14); err != nil {
		return err
	}
	if err := sw.SetColWidth(3, len(exportHeader), 30); err != nil {
		return err
	}

	header := make([]any, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = excelize.Cell{StyleID: headerStyle, Value: h}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for i, e := range errs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := exportRow(e)
		vals := make([]any, len(row))
		vals[0] = e.RecordIndex
		for j := 1; j < len(row); j++ {
			vals[j] = row[j]
		}
		if err := sw.SetRow(cell, vals); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}

// WriteTemplateXLSX writes an empty import workbook for cat: a Products
// sheet with one header per target field (required ones marked and
// highlighted) and an Instructions sheet describing each column.
func WriteTemplateXLSX(w io.Writer, cat *Catalogue) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", PreferredSheet); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return err
	}
	requiredStyle, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"C65911"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return err
	}

	for i, tf := range cat.Fields() {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		style := headerStyle
		if tf.Required {
			style = requiredStyle
		}
		f.SetCellValue(PreferredSheet, cell, tf.Name)
		f.SetCellStyle(PreferredSheet, cell, cell, style)

		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(PreferredSheet, col, col, 20)
	}

	const info = "Instructions"
	if _, err := f.NewSheet(info); err != nil {
		return err
	}
	f.SetCellValue(info, "A1", "Product Import Instructions")
	f.SetCellValue(info, "A2", "Column headers may use the names below or common variations; unrecognised columns can be mapped by hand after upload.")
	for i, h := range []string{"Column", "Label", "Required", "Type", "Allowed values"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, 4)
		f.SetCellValue(info, cell, h)
		f.SetCellStyle(info, cell, cell, headerStyle)
	}
	for i, tf := range cat.Fields() {
		row := i + 5
		required := "Optional"
		if tf.Required {
			required = "Required"
		}
		allowed := ""
		for j, ev := range tf.EnumValues {
			if j > 0 {
				allowed += ", "
			}
			allowed += ev
		}
		f.SetCellValue(info, fmt.Sprintf("A%d", row), tf.Name)
		f.SetCellValue(info, fmt.Sprintf("B%d", row), tf.Label)
		f.SetCellValue(info, fmt.Sprintf("C%d", row), required)
		f.SetCellValue(info, fmt.Sprintf("D%d", row), string(tf.Type))
		f.SetCellValue(info, fmt.Sprintf("E%d", row), allowed)
	}
	f.SetColWidth(info, "A", "A", 22)
	f.SetColWidth(info, "B", "B", 28)
	f.SetColWidth(info, "C", "D", 12)
	f.SetColWidth(info, "E", "E", 40)

	idx, err := f.GetSheetIndex(PreferredSheet)
	if err == nil {
		f.SetActiveSheet(idx)
	}
	return f.Write(w)
}
