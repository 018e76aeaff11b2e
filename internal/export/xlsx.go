package export

import (
	"bytes"
	"fmt"

	"github.com/septivank/metering-telemetry/internal/projection"
	"github.com/xuri/excelize/v2"
)

// SheetName is the worksheet holding the latest telemetry export
const SheetName = "Latest Telemetry"

var columnWidths = []float64{
	26, // Date and Time of Message
	14, // Device ID
	20, // Device Manufacturer
	14, // Device Type
	16, // Device Version
	26, // Dimension of Measurement
	28, // Value of Newest Measurement
	32, // Value of Measurement In Due Date
	20, // Date of the Due Date
}

// XLSX renders records as a single-sheet workbook with a frozen header row
func XLSX(records []projection.LatestTelemetry) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo needs the file open, so Close is called explicitly below

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, label := range Header() {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(SheetName, cell, label); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(SheetName, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}

		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if col < len(columnWidths) {
			if err := f.SetColWidth(SheetName, name, name, columnWidths[col]); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}

	for i, rec := range records {
		row := i + 2
		for col, value := range cells(rec) {
			if value == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to convert coordinates: %w", err)
			}
			if err := f.SetCellValue(SheetName, cell, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return buf.Bytes(), nil
}

// cells keeps device attributes numeric; gaps are nil and leave the cell empty
func cells(rec projection.LatestTelemetry) []any {
	text := func(s *string) any {
		if s == nil {
			return nil
		}
		return *s
	}
	return []any{
		text(rec.DateAndTimeOfMessage),
		rec.DeviceID,
		rec.DeviceManufacturer,
		rec.DeviceType,
		rec.DeviceVersion,
		text(rec.DimensionOfMeasurement),
		text(rec.ValueOfNewestMeasurement),
		text(rec.ValueOfMeasurementInDueDate),
		text(rec.DateOfDueDate),
	}
}
