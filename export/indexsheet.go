package export

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// IndexHeader is the index sheet's column layout. Existing sheets are read by
// people and scripts across many exports; do not reorder or rename.
var IndexHeader = []string{
	"Export file name",
	"Source reference",
	"Destination link",
	"Type",
	"Visualization",
	"Timestamp",
}

const (
	DefaultIndexSheetName  = "Fusion Tables Archive Index"
	DefaultIndexSheetTitle = "Index"

	mimeGoogleSheet = "application/vnd.google-apps.spreadsheet"
	mimeFolder      = "application/vnd.google-apps.folder"
	timestampLayout = "2006-01-02 15:04:05"
)

// Links builds the URLs written into index rows.
type Links struct {
	SourceBase      string // table id is appended
	DestinationBase string // file id is appended
	Visualizer      string // file and style are passed as query parameters
}

var DefaultLinks = Links{
	SourceBase:      "https://fusiontables.google.com/DataSource?docid=",
	DestinationBase: "https://drive.google.com/open?id=",
	Visualizer:      "https://fusion-tables-archive.appspot.com/visualize",
}

func (l Links) visualization(fileID string, style *Style) string {
	q := url.Values{}
	q.Set("file", fileID)
	if style != nil {
		q.Set("style", strconv.Itoa(style.ID))
	}
	sep := "?"
	if strings.Contains(l.Visualizer, "?") {
		sep = "&"
	}
	return l.Visualizer + sep + q.Encode()
}

// TableRowInput is what a worker knows about an artifact once uploaded.
type TableRowInput struct {
	Table           TableDescriptor
	File            FileHandle
	Styles          []Style
	HasGeometryData bool
}

// IndexSheetWriter finds or creates the index spreadsheet in an archive
// folder and appends audit rows to it. Lookups are memoized per archive
// folder, and concurrent first lookups share one creation.
type IndexSheetWriter struct {
	dest       Destination
	sheets     SheetStore
	policy     RetryPolicy
	fileName   string
	sheetTitle string
	links      Links
	now        func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	memo  map[string]SheetRef
}

type IndexSheetOption func(*IndexSheetWriter)

func WithIndexSheetName(name string) IndexSheetOption {
	return func(w *IndexSheetWriter) {
		if name != "" {
			w.fileName = name
		}
	}
}

func WithLinks(l Links) IndexSheetOption {
	return func(w *IndexSheetWriter) { w.links = l }
}

func WithClock(now func() time.Time) IndexSheetOption {
	return func(w *IndexSheetWriter) { w.now = now }
}

func NewIndexSheetWriter(dest Destination, sheets SheetStore, policy RetryPolicy, opts ...IndexSheetOption) *IndexSheetWriter {
	w := &IndexSheetWriter{
		dest:       dest,
		sheets:     sheets,
		policy:     policy,
		fileName:   DefaultIndexSheetName,
		sheetTitle: DefaultIndexSheetTitle,
		links:      DefaultLinks,
		now:        time.Now,
		memo:       make(map[string]SheetRef),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// GetOrCreateIndexSheet returns the index sheet of archiveFolderID, creating
// it with a styled, frozen header when it does not exist yet. A remembered
// sheet is reused only while the archive folder still holds it, so a sheet
// removed between exports is found again or recreated.
//
// Concurrent first lookups share one creation that runs to completion even if
// the caller that started it goes away; a cancelled caller returns early.
func (w *IndexSheetWriter) GetOrCreateIndexSheet(ctx context.Context, auth Auth, archiveFolderID string) (SheetRef, error) {
	w.mu.Lock()
	ref, ok := w.memo[archiveFolderID]
	w.mu.Unlock()
	if ok {
		f, err := w.find(ctx, auth, archiveFolderID)
		if err != nil {
			return SheetRef{}, err
		}
		if f.ID == ref.SpreadsheetID {
			return ref, nil
		}
		w.forget(archiveFolderID, ref)
	}

	flight := context.WithoutCancel(ctx)
	ch := w.group.DoChan(archiveFolderID, func() (any, error) {
		ref, err := w.resolve(flight, auth, archiveFolderID)
		if err != nil {
			return SheetRef{}, err
		}
		w.mu.Lock()
		w.memo[archiveFolderID] = ref
		w.mu.Unlock()
		return ref, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return SheetRef{}, res.Err
		}
		return res.Val.(SheetRef), nil
	case <-ctx.Done():
		return SheetRef{}, ctx.Err()
	}
}

func (w *IndexSheetWriter) forget(folderID string, stale SheetRef) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.memo[folderID] == stale {
		delete(w.memo, folderID)
	}
}

func (w *IndexSheetWriter) find(ctx context.Context, auth Auth, folderID string) (FileHandle, error) {
	f, err := Retry(ctx, w.policy, func(ctx context.Context) (FileHandle, error) {
		return w.dest.FindNamedFile(ctx, auth, w.fileName, folderID)
	})
	if err != nil {
		return FileHandle{}, fmt.Errorf("find index sheet: %w", err)
	}
	return f, nil
}

func (w *IndexSheetWriter) resolve(ctx context.Context, auth Auth, folderID string) (SheetRef, error) {
	f, err := w.find(ctx, auth, folderID)
	if err != nil {
		return SheetRef{}, err
	}

	if f.ID != "" {
		// Only a spreadsheet can hold the index tab.
		if f.MimeType != "" && f.MimeType != mimeGoogleSheet {
			return SheetRef{}, fmt.Errorf("%q in folder %s is a %s: %w", w.fileName, folderID, f.MimeType, ErrLegacyArtifactConflict)
		}
		type lookup struct {
			id int64
			ok bool
		}
		l, err := Retry(ctx, w.policy, func(ctx context.Context) (lookup, error) {
			id, ok, err := w.sheets.LookupSheet(ctx, auth, f.ID, w.sheetTitle)
			return lookup{id, ok}, err
		})
		if err != nil {
			return SheetRef{}, fmt.Errorf("inspect index sheet %s: %w", f.ID, err)
		}
		if !l.ok {
			return SheetRef{}, fmt.Errorf("%q in folder %s: %w", w.fileName, folderID, ErrLegacyArtifactConflict)
		}
		return SheetRef{SpreadsheetID: f.ID, SheetID: l.id}, nil
	}

	ref, err := Retry(ctx, w.policy, func(ctx context.Context) (SheetRef, error) {
		return w.sheets.CreateSpreadsheet(ctx, auth, w.fileName, w.sheetTitle, folderID)
	})
	if err != nil {
		return SheetRef{}, fmt.Errorf("create index sheet: %w", err)
	}
	if err := w.append(ctx, auth, ref, [][]string{IndexHeader}); err != nil {
		return SheetRef{}, fmt.Errorf("write index header: %w", err)
	}
	if err := RetryDo(ctx, w.policy, func(ctx context.Context) error {
		return w.sheets.FormatHeader(ctx, auth, ref, len(IndexHeader))
	}); err != nil {
		return SheetRef{}, fmt.Errorf("format index header: %w", err)
	}
	return ref, nil
}

// AppendExportRow records that an export into folder began.
func (w *IndexSheetWriter) AppendExportRow(ctx context.Context, auth Auth, ref SheetRef, folder FileHandle) error {
	row := []string{
		folder.Name,
		"",
		w.links.DestinationBase + folder.ID,
		typeLabel(mimeFolder),
		"",
		w.timestamp(),
	}
	return w.append(ctx, auth, ref, [][]string{row})
}

// AppendTableRows records one exported artifact, one row per visualization.
func (w *IndexSheetWriter) AppendTableRows(ctx context.Context, auth Auth, ref SheetRef, in TableRowInput) error {
	return w.append(ctx, auth, ref, w.TableRows(in))
}

// TableRows lays out the rows for an artifact. Without geometry there is a
// single row and no visualization. With geometry and several styles there is
// a row per style, and only the first names the source, destination and type.
// A single style is not named in the link.
func (w *IndexSheetWriter) TableRows(in TableRowInput) [][]string {
	ts := w.timestamp()
	name := in.Table.Name
	if name == "" {
		name = in.File.Name
	}
	src := w.links.SourceBase + in.Table.ID
	dst := w.links.DestinationBase + in.File.ID
	typ := typeLabel(in.File.MimeType)

	if !in.HasGeometryData {
		return [][]string{{name, src, dst, typ, "", ts}}
	}
	if len(in.Styles) <= 1 {
		vis := hyperlink(w.links.visualization(in.File.ID, nil), "Map")
		return [][]string{{name, src, dst, typ, vis, ts}}
	}

	rows := make([][]string, 0, len(in.Styles))
	for i := range in.Styles {
		vis := hyperlink(w.links.visualization(in.File.ID, &in.Styles[i]), "Map "+strconv.Itoa(i+1))
		if i == 0 {
			rows = append(rows, []string{name, src, dst, typ, vis, ts})
			continue
		}
		rows = append(rows, []string{name, "", "", "", vis, ts})
	}
	return rows
}

func (w *IndexSheetWriter) append(ctx context.Context, auth Auth, ref SheetRef, rows [][]string) error {
	return RetryDo(ctx, w.policy, func(ctx context.Context) error {
		return w.sheets.AppendRows(ctx, auth, ref, rows)
	})
}

func (w *IndexSheetWriter) timestamp() string {
	return w.now().UTC().Format(timestampLayout)
}

func hyperlink(u, label string) string {
	return fmt.Sprintf(`=HYPERLINK("%s","%s")`, strings.ReplaceAll(u, `"`, `""`), label)
}

func typeLabel(mime string) string {
	switch mime {
	case mimeGoogleSheet:
		return "Google Sheet"
	case mimeFolder:
		return "Folder"
	case "text/csv":
		return "CSV"
	case "":
		return ""
	default:
		return mime
	}
}

// IsLegacyConflict reports whether err stems from a conflicting index file.
func IsLegacyConflict(err error) bool {
	return errors.Is(err, ErrLegacyArtifactConflict)
}
