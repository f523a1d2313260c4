package service

import (
	"context"
	"fmt"
	"strings"

	"ft-exporter/export"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Sheets stores the index spreadsheet in Google Sheets. Spreadsheets are
// created through Drive so they land directly in the archive folder.
type Sheets struct {
	drive *Drive
	opts  []option.ClientOption
}

func NewSheets(d *Drive, opts ...option.ClientOption) *Sheets {
	return &Sheets{drive: d, opts: opts}
}

func (s *Sheets) service(ctx context.Context, auth export.Auth) (*sheets.Service, error) {
	opts := append([]option.ClientOption(nil), s.opts...)
	if auth != nil {
		opts = append(opts, option.WithTokenSource(auth))
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}
	return svc, nil
}

// CreateSpreadsheet creates an empty spreadsheet named title in parentID and
// renames its first tab to sheetTitle.
func (s *Sheets) CreateSpreadsheet(ctx context.Context, auth export.Auth, title, sheetTitle, parentID string) (export.SheetRef, error) {
	dsvc, err := s.drive.service(ctx, auth)
	if err != nil {
		return export.SheetRef{}, err
	}
	meta := &drive.File{Name: title, MimeType: mimeSpreadsheet}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}
	f, err := dsvc.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return export.SheetRef{}, fmt.Errorf("create spreadsheet %q: %w", title, err)
	}

	svc, err := s.service(ctx, auth)
	if err != nil {
		return export.SheetRef{}, err
	}
	got, err := svc.Spreadsheets.Get(f.Id).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return export.SheetRef{}, fmt.Errorf("read spreadsheet %s: %w", f.Id, err)
	}
	if len(got.Sheets) == 0 {
		return export.SheetRef{}, fmt.Errorf("spreadsheet %s has no sheets", f.Id)
	}
	sheetID := got.Sheets[0].Properties.SheetId

	_, err = svc.Spreadsheets.BatchUpdate(f.Id, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
				Properties: &sheets.SheetProperties{SheetId: sheetID, Title: sheetTitle},
				Fields:     "title",
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return export.SheetRef{}, fmt.Errorf("rename sheet of %s: %w", f.Id, err)
	}
	return export.SheetRef{SpreadsheetID: f.Id, SheetID: sheetID}, nil
}

func (s *Sheets) LookupSheet(ctx context.Context, auth export.Auth, spreadsheetID, sheetTitle string) (int64, bool, error) {
	svc, err := s.service(ctx, auth)
	if err != nil {
		return 0, false, err
	}
	got, err := svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, false, fmt.Errorf("read spreadsheet %s: %w", spreadsheetID, err)
	}
	for _, sh := range got.Sheets {
		if sh.Properties != nil && sh.Properties.Title == sheetTitle {
			return sh.Properties.SheetId, true, nil
		}
	}
	return 0, false, nil
}

// FormatHeader bolds and shades the first row, freezes it and sizes the
// header's columns to their content.
func (s *Sheets) FormatHeader(ctx context.Context, auth export.Auth, ref export.SheetRef, columns int) error {
	svc, err := s.service(ctx, auth)
	if err != nil {
		return err
	}
	_, err = svc.Spreadsheets.BatchUpdate(ref.SpreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: headerRequests(ref.SheetID, columns),
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("format header of %s: %w", ref.SpreadsheetID, err)
	}
	return nil
}

// AppendRows appends rows after the last non-empty row of the sheet.
func (s *Sheets) AppendRows(ctx context.Context, auth export.Auth, ref export.SheetRef, rows [][]string) error {
	svc, err := s.service(ctx, auth)
	if err != nil {
		return err
	}
	_, err = svc.Spreadsheets.BatchUpdate(ref.SpreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AppendCells: &sheets.AppendCellsRequest{
				SheetId: ref.SheetID,
				Rows:    rowData(rows),
				Fields:  "userEnteredValue",
			},
		}},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append %d rows to %s: %w", len(rows), ref.SpreadsheetID, err)
	}
	return nil
}

func headerRequests(sheetID int64, columns int) []*sheets.Request {
	return []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    0,
					EndRowIndex:      1,
					StartColumnIndex: 0,
					EndColumnIndex:   int64(columns),
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						BackgroundColor: &sheets.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
						TextFormat:      &sheets.TextFormat{Bold: true},
					},
				},
				Fields: "userEnteredFormat(backgroundColor,textFormat)",
			},
		},
		{
			UpdateSheetProperties: &sheets.UpdateSheetPropertiesRequest{
				Properties: &sheets.SheetProperties{
					SheetId:        sheetID,
					GridProperties: &sheets.GridProperties{FrozenRowCount: 1},
				},
				Fields: "gridProperties.frozenRowCount",
			},
		},
		{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "COLUMNS",
					StartIndex: 0,
					EndIndex:   int64(columns),
				},
			},
		},
	}
}

// rowData converts string rows to cell data. Cells starting with "=" are
// written as formulas so hyperlinks render.
func rowData(rows [][]string) []*sheets.RowData {
	out := make([]*sheets.RowData, 0, len(rows))
	for _, row := range rows {
		cells := make([]*sheets.CellData, 0, len(row))
		for _, v := range row {
			v := v
			val := &sheets.ExtendedValue{}
			if strings.HasPrefix(v, "=") {
				val.FormulaValue = &v
			} else {
				val.StringValue = &v
			}
			cells = append(cells, &sheets.CellData{UserEnteredValue: val})
		}
		out = append(out, &sheets.RowData{Values: cells})
	}
	return out
}
