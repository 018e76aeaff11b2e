package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/septivank/metering-telemetry/internal/projection"
)

// Content types of the supported export formats
const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Header returns the labelled column names of the latest telemetry export
func Header() []string {
	header := make([]string, 0, len(projection.Columns))
	for _, c := range projection.Columns {
		header = append(header, c.Label)
	}
	return header
}

// WriteCSV writes a header row and one row per record. Gaps are empty cells.
func WriteCSV(w io.Writer, records []projection.LatestTelemetry) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header()); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for i, rec := range records {
		if err := cw.Write(rec.Row()); err != nil {
			return fmt.Errorf("failed to write csv row %d: %w", i+1, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}
