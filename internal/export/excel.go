package export

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// Workbook sheet names for the xlsx export variant.
const (
	dataSheetName     = "Data"
	codebookSheetName = "Codebook"
)

// Workbook renders the wide-format table and codebook as a two-sheet xlsx
// file for researchers who skip CSV entirely. Rows arrive pre-assembled so
// the workbook matches the CSV byte for byte in content.
func Workbook(rows [][]string, codebook []CodebookEntry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), dataSheetName); err != nil {
		return nil, fmt.Errorf("failed to name data sheet: %w", err)
	}
	if err := writeSheet(f, dataSheetName, rows); err != nil {
		return nil, err
	}

	if _, err := f.NewSheet(codebookSheetName); err != nil {
		return nil, fmt.Errorf("failed to create codebook sheet: %w", err)
	}
	codebookRows := make([][]string, 0, len(codebook)+1)
	codebookRows = append(codebookRows, []string{"variable", "value", "label"})
	for _, e := range codebook {
		codebookRows = append(codebookRows, []string{e.Variable, e.Value, e.Label})
	}
	if err := writeSheet(f, codebookSheetName, codebookRows); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, rows [][]string) error {
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return fmt.Errorf("failed to address cell %d,%d: %w", c+1, r+1, err)
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("failed to set cell %s on %s: %w", cell, sheet, err)
			}
		}
	}
	return nil
}
