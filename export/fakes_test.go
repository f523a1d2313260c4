package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func noSleep(context.Context, time.Duration) error { return nil }

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, Sleep: noSleep}
}

type fakeSource struct {
	mu        sync.Mutex
	tables    map[string]TabularExport
	fetchErr  map[string]error
	styles    map[string][]Style
	stylesErr map[string]error

	active    int
	maxActive int
	fetchHold time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tables:    make(map[string]TabularExport),
		fetchErr:  make(map[string]error),
		styles:    make(map[string][]Style),
		stylesErr: make(map[string]error),
	}
}

func (s *fakeSource) FetchTable(ctx context.Context, _ Auth, table TableDescriptor) (TabularExport, error) {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	hold := s.fetchHold
	s.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if err := s.fetchErr[table.ID]; err != nil {
		return TabularExport{}, err
	}
	data, ok := s.tables[table.ID]
	if !ok {
		return TabularExport{Data: []byte("id,name\n1,a\n")}, nil
	}
	return data, nil
}

func (s *fakeSource) FetchStyles(_ context.Context, _ Auth, tableID string) ([]Style, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stylesErr[tableID]; err != nil {
		return nil, err
	}
	return s.styles[tableID], nil
}

type fakeDestination struct {
	mu          sync.Mutex
	files       map[string]string // name in parent -> id
	mimes       map[string]string // id -> mime type
	nextID      int
	uploads     []Artifact
	perms       map[string][]Permission
	gates       map[string]chan struct{}
	uploadFails map[string]int
	resolveErr  error
	createErr   error
	createHold  time.Duration
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		files:       make(map[string]string),
		mimes:       make(map[string]string),
		perms:       make(map[string][]Permission),
		gates:       make(map[string]chan struct{}),
		uploadFails: make(map[string]int),
	}
}

func (d *fakeDestination) id(prefix string) string {
	d.nextID++
	return fmt.Sprintf("%s-%d", prefix, d.nextID)
}

func (d *fakeDestination) ResolveFolder(_ context.Context, _ Auth, name, parentID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolveErr != nil {
		return "", d.resolveErr
	}
	key := parentID + "/" + name
	if id, ok := d.files[key]; ok {
		return id, nil
	}
	id := d.id("folder")
	d.files[key] = id
	d.mimes[id] = mimeFolder
	return id, nil
}

func (d *fakeDestination) CreateFolder(_ context.Context, _ Auth, name, parentID string) (string, error) {
	d.mu.Lock()
	hold := d.createHold
	d.mu.Unlock()
	if hold > 0 {
		time.Sleep(hold)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	id := d.id("folder")
	d.files[parentID+"/"+name] = id
	d.mimes[id] = mimeFolder
	return id, nil
}

func (d *fakeDestination) UploadArtifact(ctx context.Context, _ Auth, folderID string, a Artifact) (FileHandle, error) {
	d.mu.Lock()
	gate := d.gates[strings.TrimSuffix(a.Name, ".csv")]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return FileHandle{}, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.uploadFails[a.Name] > 0 {
		d.uploadFails[a.Name]--
		return FileHandle{}, errTransient
	}
	d.uploads = append(d.uploads, a)
	mime := "text/csv"
	if a.Convert {
		mime = mimeGoogleSheet
	}
	id := d.id("file")
	d.files[folderID+"/"+a.Name] = id
	d.mimes[id] = mime
	return FileHandle{ID: id, Name: a.Name, MimeType: mime}, nil
}

func (d *fakeDestination) ReplicatePermissions(_ context.Context, _ Auth, fileID string, perms []Permission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perms[fileID] = append(d.perms[fileID], perms...)
	return nil
}

func (d *fakeDestination) FindNamedFile(_ context.Context, _ Auth, name, parentID string) (FileHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.files[parentID+"/"+name]
	if !ok {
		return FileHandle{}, nil
	}
	return FileHandle{ID: id, Name: name, MimeType: d.mimes[id]}, nil
}

func (d *fakeDestination) put(parentID, name, id, mime string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[parentID+"/"+name] = id
	d.mimes[id] = mime
}

func (d *fakeDestination) remove(parentID, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, parentID+"/"+name)
}

func (d *fakeDestination) uploaded() []Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Artifact(nil), d.uploads...)
}

func (d *fakeDestination) gate(name string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.gates[name] = ch
	return ch
}

type fakeSheets struct {
	mu      sync.Mutex
	dest    *fakeDestination
	created int
	lookups int
	tabs    map[string]map[string]int64
	rows    map[string][][]string
	format  int

	// When createGate is set, CreateSpreadsheet signals createEntered and
	// blocks until the gate is closed.
	createEntered chan struct{}
	createGate    chan struct{}
}

func newFakeSheets(dest *fakeDestination) *fakeSheets {
	return &fakeSheets{
		dest: dest,
		tabs: make(map[string]map[string]int64),
		rows: make(map[string][][]string),
	}
}

func (s *fakeSheets) CreateSpreadsheet(ctx context.Context, _ Auth, title, sheetTitle, parentID string) (SheetRef, error) {
	if s.createGate != nil {
		s.createEntered <- struct{}{}
		select {
		case <-s.createGate:
		case <-ctx.Done():
			return SheetRef{}, ctx.Err()
		}
	}

	s.dest.mu.Lock()
	id := s.dest.id("sheet")
	s.dest.files[parentID+"/"+title] = id
	s.dest.mimes[id] = mimeGoogleSheet
	s.dest.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.created++
	s.tabs[id] = map[string]int64{sheetTitle: 7}
	return SheetRef{SpreadsheetID: id, SheetID: 7}, nil
}

func (s *fakeSheets) LookupSheet(_ context.Context, _ Auth, spreadsheetID, sheetTitle string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	id, ok := s.tabs[spreadsheetID][sheetTitle]
	return id, ok, nil
}

func (s *fakeSheets) FormatHeader(context.Context, Auth, SheetRef, int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format++
	return nil
}

func (s *fakeSheets) AppendRows(_ context.Context, _ Auth, ref SheetRef, rows [][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[ref.SpreadsheetID] = append(s.rows[ref.SpreadsheetID], rows...)
	return nil
}

func (s *fakeSheets) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.created
}

func (s *fakeSheets) allRows(spreadsheetID string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.rows[spreadsheetID]...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []LogEvent
}

func (r *recordingSink) Write(ev LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) snapshot() []LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEvent(nil), r.events...)
}

func (r *recordingSink) count(event string) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ev.Event == event {
			n++
		}
	}
	return n
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(_ context.Context, err error, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
