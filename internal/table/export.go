package table

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

// WriteCSV saves the table to a delimited text file with a header row.
func WriteCSV(t *Table, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(t.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, column := range t.Columns {
			record[i] = row.String(column)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteXLSX saves the table as a sheet in a spreadsheet. An existing file is
// appended to, so repeated runs collect their logs in one workbook.
func WriteXLSX(t *Table, filename, sheet string) error {
	var book *excelize.File
	if _, err := os.Stat(filename); err == nil {
		book, err = excelize.OpenFile(filename)
		if err != nil {
			return fmt.Errorf("failed to open file %s: %w", filename, err)
		}
	} else {
		book = excelize.NewFile()
	}
	defer book.Close()

	if _, err := book.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	header := make([]any, len(t.Columns))
	for i, column := range t.Columns {
		header[i] = column
	}
	if err := book.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]any, len(t.Columns))
	for i, row := range t.Rows {
		for j, column := range t.Columns {
			record[j] = row.Value(column)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := book.SetSheetRow(sheet, cell, &record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	// Drop the default sheet of a fresh workbook.
	if book.GetSheetName(0) == "Sheet1" && sheet != "Sheet1" {
		book.DeleteSheet("Sheet1")
	}
	return book.SaveAs(filename)
}
