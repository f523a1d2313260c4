package export

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// LargeThresholdMB is the size above which an artifact is kept as a raw CSV
// instead of being converted to a native spreadsheet.
const LargeThresholdMB = 20

// SizeMB converts a byte count to mebibytes.
func SizeMB(n int) float64 {
	return float64(n) / (1 << 20)
}

// IsLarge reports whether a size in MB is over LargeThresholdMB.
func IsLarge(mb float64) bool {
	return mb > LargeThresholdMB
}

// SizeBucket rounds a size down to the nearest power of two. It is used for
// reporting only.
func SizeBucket(mb float64) float64 {
	if mb <= 0 {
		return 0
	}
	return math.Exp2(math.Floor(math.Log2(mb)))
}

// runTable drives one table through fetch, upload and finalize, records the
// terminal result and emits the table's log events. The worker for the last
// table in input order also closes the export in the log, whatever its
// outcome and whenever it finishes relative to its siblings.
func (o *Orchestrator) runTable(ctx context.Context, run *exportRun, i int) {
	job := run.job
	table := job.Tables[i]
	last := i == len(job.Tables)-1

	o.log.TableStarted(ctx, job.ID, table.ID)

	res, err := o.exportTableSafe(ctx, run, table)
	if err != nil {
		res.Status = StatusError
		res.Error = err.Error()
		o.reporter.Report(ctx, err, "export_id", job.ID, "table_id", table.ID)
	} else {
		res.Status = StatusSuccess
	}
	o.progress.RecordStatus(job.ID, table.ID, res)
	o.log.TableFinished(ctx, job.ID, table.ID, res.Status, res.SizeMB)

	if last {
		o.log.ExportFinished(ctx, job.ID)
	}
}

func (o *Orchestrator) exportTableSafe(ctx context.Context, run *exportRun, table TableDescriptor) (res TableExportResult, err error) {
	res = TableExportResult{TableID: table.ID, Name: table.Name}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export table %s: panic: %v", table.ID, r)
		}
	}()
	return o.exportTable(ctx, run, table)
}

func (o *Orchestrator) exportTable(ctx context.Context, run *exportRun, table TableDescriptor) (res TableExportResult, err error) {
	res = TableExportResult{TableID: table.ID, Name: table.Name}
	start := o.now()
	defer func() { res.Latency = o.now().Sub(start) }()

	data, err := o.fetch(ctx, run, table)
	if err != nil {
		return res, err
	}
	mb := SizeMB(len(data.Data))
	res.SizeMB = SizeBucket(mb)
	res.IsLarge = IsLarge(mb)
	res.HasGeometryData = data.HasGeometryData

	var (
		file   FileHandle
		styles []Style
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		art := Artifact{Name: table.Name, Content: data.Data, Convert: !res.IsLarge}
		if art.Name == "" {
			art.Name = table.ID
		}
		if res.IsLarge {
			art.Name += ".csv"
		}
		f, err := Retry(gctx, o.policy, func(ctx context.Context) (FileHandle, error) {
			return o.dest.UploadArtifact(ctx, run.job.Auth, run.folderID, art)
		})
		if err != nil {
			return &UploadError{TableID: table.ID, Err: err}
		}
		file = f
		return nil
	})
	g.Go(func() error {
		s, err := o.source.FetchStyles(gctx, run.job.Auth, table.ID)
		if err != nil {
			return fmt.Errorf("fetch styles of %s: %w", table.ID, err)
		}
		styles = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.File = &file
	for _, s := range styles {
		res.StyleIDs = append(res.StyleIDs, s.ID)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		err := o.index.AppendTableRows(gctx, run.job.Auth, run.sheet, TableRowInput{
			Table:           table,
			File:            file,
			Styles:          styles,
			HasGeometryData: data.HasGeometryData,
		})
		if err != nil {
			return fmt.Errorf("append index rows for %s: %w", table.ID, err)
		}
		return nil
	})
	if len(table.Permissions) > 0 {
		g.Go(func() error {
			err := RetryDo(gctx, o.policy, func(ctx context.Context) error {
				return o.dest.ReplicatePermissions(ctx, run.job.Auth, file.ID, table.Permissions)
			})
			if err != nil {
				return fmt.Errorf("replicate permissions onto %s: %w", file.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) fetch(ctx context.Context, run *exportRun, table TableDescriptor) (TabularExport, error) {
	if err := run.fetchSlots.Acquire(ctx, 1); err != nil {
		return TabularExport{}, &FetchError{TableID: table.ID, Err: err}
	}
	defer run.fetchSlots.Release(1)

	data, err := o.source.FetchTable(ctx, run.job.Auth, table)
	if err != nil {
		return TabularExport{}, &FetchError{TableID: table.ID, Err: err}
	}
	return data, nil
}
