package table

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Load reads a file into a Table, picking the parser by file extension.
// Supported extensions: csv, json, geojson, xlsx.
func Load(filename string, defaults map[string]any, needed []string) (*Table, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "csv":
		return LoadCSV(filename, defaults, needed)
	case "json":
		return LoadJSON(filename, defaults, needed)
	case "geojson":
		return LoadGeoJSON(filename, defaults, needed)
	case "xlsx":
		return LoadXLSX(filename, defaults, needed)
	default:
		return nil, fmt.Errorf("file extension %q is not supported", filepath.Ext(filename))
	}
}

// LoadCSV reads a delimited text file. The first record is the header; empty
// cells become nulls.
func LoadCSV(filename string, defaults map[string]any, needed []string) (*Table, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	tbl := New(header...)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		row := Row{}
		for i, cell := range record {
			if i >= len(header) {
				break
			}
			if cell != "" {
				row[header[i]] = cell
			}
		}
		tbl.Rows = append(tbl.Rows, row)
	}
	return finishLoad(tbl, defaults, needed), nil
}

// LoadJSON reads an array of flat objects.
func LoadJSON(filename string, defaults map[string]any, needed []string) (*Table, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("given JSON has wrong format: %w", err)
	}
	tbl := &Table{}
	for _, record := range records {
		tbl.Append(Row(record))
	}
	return finishLoad(tbl, defaults, needed), nil
}

// LoadGeoJSON reads a FeatureCollection, flattening feature properties into
// columns and re-serializing each geometry as a JSON string blob in the
// "geometry" column.
func LoadGeoJSON(filename string, defaults map[string]any, needed []string) (*Table, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	var doc struct {
		Features []struct {
			Properties map[string]any  `json:"properties"`
			Geometry   json.RawMessage `json:"geometry"`
		} `json:"features"`
	}
	if err := json.Unmarshal(data, &doc); err != nil || doc.Features == nil {
		return nil, fmt.Errorf("given GeoJSON has wrong format")
	}
	tbl := &Table{}
	for _, feature := range doc.Features {
		row := Row{}
		for k, v := range feature.Properties {
			row[k] = v
		}
		if len(feature.Geometry) > 0 {
			row["geometry"] = string(feature.Geometry)
		}
		tbl.Append(row)
	}
	return finishLoad(tbl, defaults, needed), nil
}

// LoadXLSX reads the first sheet of a spreadsheet. The first row is the
// header.
func LoadXLSX(filename string, defaults map[string]any, needed []string) (*Table, error) {
	book, err := excelize.OpenFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filename, err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("file %s has no sheets", filename)
	}
	records, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(records) == 0 {
		return New(), nil
	}
	tbl := New(records[0]...)
	for _, record := range records[1:] {
		row := Row{}
		for i, cell := range record {
			if i >= len(records[0]) {
				break
			}
			if cell != "" {
				row[records[0][i]] = cell
			}
		}
		tbl.Rows = append(tbl.Rows, row)
	}
	return finishLoad(tbl, defaults, needed), nil
}

func finishLoad(tbl *Table, defaults map[string]any, needed []string) *Table {
	if defaults != nil {
		tbl.ReplaceWithDefault(defaults)
	}
	if needed != nil {
		tbl.Select(needed)
	}
	tbl.DropEmptyRows()
	return tbl
}
