package records

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"pwnlink/agent/internal/model"
)

const exportSheet = "Captures"

var exportHeaders = []string{"Name", "Capture File", "Size (bytes)", "Modified (UTC)", "Net Position", "Geo", "GPS", "Lat", "Lng", "Accuracy"}

// WriteXLSX writes one row per record to w.
func WriteXLSX(w io.Writer, records []model.CorrelatedRecord) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(exportHeaders))
	for i, h := range exportHeaders {
		header[i] = h
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, record := range records {
		row := []any{
			record.Name,
			record.PrimaryFile.Filename,
			record.PrimaryFile.SizeBytes,
			record.PrimaryFile.ModificationDate.UTC().Format("2006-01-02 15:04:05"),
			fileName(record.PositionNet),
			fileName(record.PositionGeo),
			fileName(record.PositionGps),
		}
		if record.Position != nil {
			row = append(row, record.Position.Lat, record.Position.Lng, record.Position.Accuracy)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func fileName(f *model.LocalFile) string {
	if f == nil {
		return ""
	}
	return f.Filename
}
