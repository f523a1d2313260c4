package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultArchiveFolderName = "Fusion Tables Archive"
	DefaultFetchConcurrency  = 1
)

var (
	ErrMissingExportID = errors.New("export id is required")
	ErrExportExists    = errors.New("export already started")
	ErrDuplicateTable  = errors.New("duplicate table")
)

// Deps are the collaborators shared by every export.
type Deps struct {
	Source      Source
	Destination Destination
	Index       *IndexSheetWriter
	Progress    *ProgressStore
	Log         *Log
	Reporter    ErrorReporter
}

// Options tune an Orchestrator. Zero values fall back to defaults.
type Options struct {
	ArchiveFolderName string
	// FetchConcurrency bounds concurrent source fetches within one export.
	// The legacy endpoint rate-limits per account, so it defaults to 1.
	FetchConcurrency int64
	Retry            RetryPolicy
	Now              func() time.Time
}

// Orchestrator prepares the shared destination resources of an export and
// fans its tables out to workers.
type Orchestrator struct {
	source   Source
	dest     Destination
	index    *IndexSheetWriter
	progress *ProgressStore
	log      *Log
	reporter ErrorReporter

	archiveFolder    string
	fetchConcurrency int64
	policy           RetryPolicy
	now              func() time.Time

	mu sync.Mutex
	// starting holds ids whose setup is in flight. They count as taken.
	starting map[string]struct{}
	runs     map[string]*exportRun
	wg       sync.WaitGroup
}

// exportRun is the per-export state handed read-only to workers.
type exportRun struct {
	job        ExportJob
	folderID   string
	sheet      SheetRef
	fetchSlots *semaphore.Weighted
	done       chan struct{}
}

func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	o := &Orchestrator{
		source:           d.Source,
		dest:             d.Destination,
		index:            d.Index,
		progress:         d.Progress,
		log:              d.Log,
		reporter:         d.Reporter,
		archiveFolder:    opts.ArchiveFolderName,
		fetchConcurrency: opts.FetchConcurrency,
		policy:           opts.Retry,
		now:              opts.Now,
		starting:         make(map[string]struct{}),
		runs:             make(map[string]*exportRun),
	}
	if o.archiveFolder == "" {
		o.archiveFolder = DefaultArchiveFolderName
	}
	if o.fetchConcurrency <= 0 {
		o.fetchConcurrency = DefaultFetchConcurrency
	}
	if o.policy.MaxAttempts == 0 {
		o.policy = DefaultRetryPolicy
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.progress == nil {
		o.progress = NewProgressStore()
	}
	if o.log == nil {
		o.log = NewLog(nil)
	}
	if o.reporter == nil {
		o.reporter = logReporter{}
	}
	return o
}

// StartExport prepares the archive folder, a folder for this export and the
// index sheet, then dispatches one worker per table and returns the export
// folder id without waiting for them. Setup failures abort the export before
// any worker starts.
func (o *Orchestrator) StartExport(ctx context.Context, job ExportJob) (string, error) {
	if job.ID == "" {
		return "", ErrMissingExportID
	}
	if len(job.Tables) == 0 {
		return "", ErrNoTables
	}
	seen := make(map[string]struct{}, len(job.Tables))
	for _, t := range job.Tables {
		if _, dup := seen[t.ID]; dup {
			return "", fmt.Errorf("%w %s in export %s", ErrDuplicateTable, t.ID, job.ID)
		}
		seen[t.ID] = struct{}{}
	}
	job.Tables = append([]TableDescriptor(nil), job.Tables...)

	if err := o.reserve(job.ID); err != nil {
		return "", err
	}

	o.log.ExportStarted(ctx, job.ID, job.IPHash, len(job.Tables))

	run, err := o.prepare(ctx, job)
	if err != nil {
		o.mu.Lock()
		delete(o.starting, job.ID)
		o.mu.Unlock()
		slog.ErrorContext(ctx, "Export setup failed", "export_id", job.ID, "error", err)
		return "", err
	}

	o.mu.Lock()
	delete(o.starting, job.ID)
	o.runs[job.ID] = run
	o.mu.Unlock()

	for _, t := range job.Tables {
		o.progress.RecordStatus(job.ID, t.ID, TableExportResult{Name: t.Name, Status: StatusLoading})
	}

	// Workers outlive the request that started them.
	bg := context.WithoutCancel(ctx)
	var runWG sync.WaitGroup
	for i := range job.Tables {
		runWG.Add(1)
		o.wg.Add(1)
		i := i
		go func() {
			defer o.wg.Done()
			defer runWG.Done()
			o.runTable(bg, run, i)
		}()
	}
	go func() {
		runWG.Wait()
		close(run.done)
	}()

	slog.InfoContext(ctx, "Export dispatched", "export_id", job.ID, "folder_id", run.folderID, "tables", len(job.Tables))
	return run.folderID, nil
}

func (o *Orchestrator) reserve(exportID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.runs[exportID]; ok {
		return fmt.Errorf("%s: %w", exportID, ErrExportExists)
	}
	if _, ok := o.starting[exportID]; ok {
		return fmt.Errorf("%s: %w", exportID, ErrExportExists)
	}
	o.starting[exportID] = struct{}{}
	return nil
}

func (o *Orchestrator) prepare(ctx context.Context, job ExportJob) (*exportRun, error) {
	archiveID, err := Retry(ctx, o.policy, func(ctx context.Context) (string, error) {
		return o.dest.ResolveFolder(ctx, job.Auth, o.archiveFolder, "")
	})
	if err != nil {
		return nil, fmt.Errorf("resolve archive folder: %w", err)
	}

	run := &exportRun{
		job:        job,
		fetchSlots: semaphore.NewWeighted(o.fetchConcurrency),
		done:       make(chan struct{}),
	}
	folderName := "Export " + o.now().UTC().Format(timestampLayout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := Retry(gctx, o.policy, func(ctx context.Context) (string, error) {
			return o.dest.CreateFolder(ctx, job.Auth, folderName, archiveID)
		})
		if err != nil {
			return fmt.Errorf("create export folder: %w", err)
		}
		run.folderID = id
		return nil
	})
	g.Go(func() error {
		ref, err := o.index.GetOrCreateIndexSheet(gctx, job.Auth, archiveID)
		if err != nil {
			return err
		}
		run.sheet = ref
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	folder := FileHandle{ID: run.folderID, Name: folderName, MimeType: mimeFolder}
	if err := o.index.AppendExportRow(ctx, job.Auth, run.sheet, folder); err != nil {
		return nil, fmt.Errorf("append export row: %w", err)
	}
	return run, nil
}

// Updates returns the terminal results of an export the poller has not seen.
func (o *Orchestrator) Updates(exportID string, delivered func(tableID string) bool) ([]TableExportResult, error) {
	return o.progress.ListUpdatesSince(exportID, delivered)
}

// Snapshot returns every result of an export, Loading ones included.
func (o *Orchestrator) Snapshot(exportID string) ([]TableExportResult, error) {
	return o.progress.Snapshot(exportID)
}

// Wait blocks until every worker of the export has recorded its result.
func (o *Orchestrator) Wait(ctx context.Context, exportID string) error {
	o.mu.Lock()
	run, ok := o.runs[exportID]
	o.mu.Unlock()
	if !ok {
		return ErrExportNotFound
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until no worker of any export is running.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type logReporter struct{}

func (logReporter) Report(ctx context.Context, err error, attrs ...any) {
	slog.ErrorContext(ctx, "Table export failed", append(attrs, "error", err)...)
}
