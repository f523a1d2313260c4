package export

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2019, 12, 3, 10, 0, 0, 0, time.UTC)
}

func newTestWriter() (*IndexSheetWriter, *fakeDestination, *fakeSheets) {
	dest := newFakeDestination()
	sheets := newFakeSheets(dest)
	w := NewIndexSheetWriter(dest, sheets, testPolicy(), WithClock(fixedClock))
	return w, dest, sheets
}

func TestTableRows(t *testing.T) {
	w, _, _ := newTestWriter()
	file := FileHandle{ID: "f1", Name: "Parks", MimeType: mimeGoogleSheet}
	table := TableDescriptor{ID: "t1", Name: "Parks"}
	three := []Style{{ID: 1}, {ID: 2}, {ID: 3}}

	t.Run("no geometry ignores styles", func(t *testing.T) {
		rows := w.TableRows(TableRowInput{Table: table, File: file, Styles: three})
		if len(rows) != 1 {
			t.Fatalf("got %d rows, want 1", len(rows))
		}
		if rows[0][4] != "" {
			t.Errorf("visualization = %q, want empty", rows[0][4])
		}
		if rows[0][3] != "Google Sheet" {
			t.Errorf("type = %q, want %q", rows[0][3], "Google Sheet")
		}
	})

	t.Run("geometry with several styles", func(t *testing.T) {
		rows := w.TableRows(TableRowInput{Table: table, File: file, Styles: three, HasGeometryData: true})
		if len(rows) != 3 {
			t.Fatalf("got %d rows, want 3", len(rows))
		}
		if rows[0][1] == "" || rows[0][2] == "" || rows[0][3] == "" {
			t.Errorf("first row = %q, want source, destination and type", rows[0])
		}
		seen := map[string]bool{}
		for i, row := range rows {
			if len(row) != len(IndexHeader) {
				t.Fatalf("row %d has %d columns, want %d", i, len(row), len(IndexHeader))
			}
			if i > 0 && (row[1] != "" || row[2] != "" || row[3] != "") {
				t.Errorf("row %d = %q, want blank source, destination and type", i, row)
			}
			if !strings.Contains(row[4], "style=") {
				t.Errorf("row %d visualization %q is not style-qualified", i, row[4])
			}
			if seen[row[4]] {
				t.Errorf("row %d repeats visualization %q", i, row[4])
			}
			seen[row[4]] = true
		}
		if !strings.Contains(rows[1][4], `"Map 2"`) {
			t.Errorf("second label = %q, want Map 2", rows[1][4])
		}
	})

	for _, styles := range [][]Style{nil, {{ID: 9}}} {
		rows := w.TableRows(TableRowInput{Table: table, File: file, Styles: styles, HasGeometryData: true})
		if len(rows) != 1 {
			t.Fatalf("%d styles: got %d rows, want 1", len(styles), len(rows))
		}
		if rows[0][4] == "" || strings.Contains(rows[0][4], "style=") {
			t.Errorf("%d styles: visualization = %q, want an unqualified link", len(styles), rows[0][4])
		}
	}
}

func TestGetOrCreateIndexSheet_Memoized(t *testing.T) {
	w, _, sheets := newTestWriter()
	ctx := context.Background()

	first, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	second, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	if first.SpreadsheetID != second.SpreadsheetID {
		t.Errorf("spreadsheet ids differ: %s vs %s", first.SpreadsheetID, second.SpreadsheetID)
	}
	if sheets.created != 1 {
		t.Errorf("created %d spreadsheets, want 1", sheets.created)
	}
	rows := sheets.allRows(first.SpreadsheetID)
	if len(rows) != 1 || strings.Join(rows[0], "|") != strings.Join(IndexHeader, "|") {
		t.Errorf("rows = %q, want only the header", rows)
	}
	if sheets.format != 1 {
		t.Errorf("header formatted %d times, want 1", sheets.format)
	}
}

func TestGetOrCreateIndexSheet_ConcurrentCallersShareCreation(t *testing.T) {
	w, _, sheets := newTestWriter()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			ref, err := w.GetOrCreateIndexSheet(context.Background(), nil, "archive")
			if err != nil {
				t.Errorf("GetOrCreateIndexSheet error = %v", err)
				return
			}
			ids[i] = ref.SpreadsheetID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("spreadsheet ids differ: %q", ids)
		}
	}
	if sheets.created != 1 {
		t.Errorf("created %d spreadsheets, want 1", sheets.created)
	}
}

func TestGetOrCreateIndexSheet_ReusesExisting(t *testing.T) {
	w, dest, sheets := newTestWriter()
	dest.put("archive", DefaultIndexSheetName, "existing", mimeGoogleSheet)
	sheets.tabs["existing"] = map[string]int64{DefaultIndexSheetTitle: 3}

	ref, err := w.GetOrCreateIndexSheet(context.Background(), nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	if ref.SpreadsheetID != "existing" || ref.SheetID != 3 {
		t.Errorf("ref = %+v, want existing/3", ref)
	}
	if sheets.created != 0 {
		t.Errorf("created %d spreadsheets, want 0", sheets.created)
	}
}

func TestGetOrCreateIndexSheet_LegacyConflict(t *testing.T) {
	w, dest, sheets := newTestWriter()
	dest.put("archive", DefaultIndexSheetName, "legacy", mimeGoogleSheet)
	sheets.tabs["legacy"] = map[string]int64{"Sheet1": 0}

	_, err := w.GetOrCreateIndexSheet(context.Background(), nil, "archive")
	if !errors.Is(err, ErrLegacyArtifactConflict) {
		t.Fatalf("error = %v, want ErrLegacyArtifactConflict", err)
	}
	if !IsLegacyConflict(err) {
		t.Error("IsLegacyConflict = false, want true")
	}
	if sheets.lookups != 1 {
		t.Errorf("looked up %d times, want 1 (conflicts are not retried)", sheets.lookups)
	}

	// The failure is not memoized.
	if _, err := w.GetOrCreateIndexSheet(context.Background(), nil, "archive"); !errors.Is(err, ErrLegacyArtifactConflict) {
		t.Errorf("second call error = %v, want ErrLegacyArtifactConflict", err)
	}
}

func TestAppendExportRow(t *testing.T) {
	w, _, sheets := newTestWriter()
	ctx := context.Background()
	ref, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}

	folder := FileHandle{ID: "folder-9", Name: "Export 2019-12-03 10:00:00", MimeType: mimeFolder}
	if err := w.AppendExportRow(ctx, nil, ref, folder); err != nil {
		t.Fatalf("AppendExportRow error = %v", err)
	}
	rows := sheets.allRows(ref.SpreadsheetID)
	got := rows[len(rows)-1]
	if got[0] != folder.Name || !strings.HasSuffix(got[2], "folder-9") || got[3] != "Folder" {
		t.Errorf("export row = %q", got)
	}
	if got[5] != "2019-12-03 10:00:00" {
		t.Errorf("timestamp = %q, want 2019-12-03 10:00:00", got[5])
	}
}

func TestGetOrCreateIndexSheet_RecreatesRemovedSheet(t *testing.T) {
	w, dest, sheets := newTestWriter()
	ctx := context.Background()

	first, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	dest.remove("archive", DefaultIndexSheetName)

	second, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	if second.SpreadsheetID == first.SpreadsheetID {
		t.Errorf("reused removed sheet %s", first.SpreadsheetID)
	}
	if sheets.created != 2 {
		t.Errorf("created %d spreadsheets, want 2", sheets.created)
	}
	if rows := sheets.allRows(second.SpreadsheetID); len(rows) != 1 {
		t.Errorf("new sheet rows = %q, want only the header", rows)
	}
}

func TestGetOrCreateIndexSheet_FollowsReplacedSheet(t *testing.T) {
	w, dest, sheets := newTestWriter()
	ctx := context.Background()

	if _, err := w.GetOrCreateIndexSheet(ctx, nil, "archive"); err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	dest.put("archive", DefaultIndexSheetName, "restored", mimeGoogleSheet)
	sheets.tabs["restored"] = map[string]int64{DefaultIndexSheetTitle: 4}

	ref, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
	if err != nil {
		t.Fatalf("GetOrCreateIndexSheet error = %v", err)
	}
	if ref.SpreadsheetID != "restored" || ref.SheetID != 4 {
		t.Errorf("ref = %+v, want restored/4", ref)
	}
	if sheets.created != 1 {
		t.Errorf("created %d spreadsheets, want 1", sheets.created)
	}
}

func TestGetOrCreateIndexSheet_NonSpreadsheetIsLegacyConflict(t *testing.T) {
	for _, mime := range []string{"text/csv", mimeFolder} {
		t.Run(mime, func(t *testing.T) {
			w, dest, sheets := newTestWriter()
			dest.put("archive", DefaultIndexSheetName, "artifact", mime)

			_, err := w.GetOrCreateIndexSheet(context.Background(), nil, "archive")
			if !errors.Is(err, ErrLegacyArtifactConflict) {
				t.Fatalf("error = %v, want ErrLegacyArtifactConflict", err)
			}
			if sheets.lookups != 0 {
				t.Errorf("looked up tabs %d times, want 0", sheets.lookups)
			}
			if sheets.created != 0 {
				t.Errorf("created %d spreadsheets, want 0", sheets.created)
			}
		})
	}
}

func TestGetOrCreateIndexSheet_CancelledCallerLeavesCreationRunning(t *testing.T) {
	w, _, sheets := newTestWriter()
	sheets.createEntered = make(chan struct{}, 1)
	sheets.createGate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := w.GetOrCreateIndexSheet(ctx, nil, "archive")
		firstErr <- err
	}()
	<-sheets.createEntered

	type result struct {
		ref SheetRef
		err error
	}
	second := make(chan result, 1)
	go func() {
		ref, err := w.GetOrCreateIndexSheet(context.Background(), nil, "archive")
		second <- result{ref, err}
	}()

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller error = %v, want context.Canceled", err)
	}
	close(sheets.createGate)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller error = %v", got.err)
	}
	if got.ref.SpreadsheetID == "" {
		t.Error("second caller got an empty sheet ref")
	}
	if n := sheets.createdCount(); n != 1 {
		t.Errorf("created %d spreadsheets, want 1", n)
	}
}
