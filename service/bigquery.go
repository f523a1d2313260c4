package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ft-exporter/export"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type BigQueryService struct {
	client    *bigquery.Client
	projectID string
}

func NewBigQueryService(ctx context.Context, projectID string) (*BigQueryService, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &BigQueryService{
		client:    client,
		projectID: projectID,
	}, nil
}

func (s *BigQueryService) Close() error {
	return s.client.Close()
}

// BigQuerySource exports BigQuery tables (project.dataset.table) as CSV. It
// carries no styles; geometry is detected from GEOGRAPHY columns.
type BigQuerySource struct {
	bq       *BigQueryService
	location string
	maxBytes int64
}

func NewBigQuerySource(bq *BigQueryService, location string, maxBytes int64) *BigQuerySource {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxExportBytes
	}
	return &BigQuerySource{bq: bq, location: location, maxBytes: maxBytes}
}

// clientFor queries as the requesting user when a token is present.
func (s *BigQuerySource) clientFor(ctx context.Context, auth export.Auth) (*bigquery.Client, func(), error) {
	if auth == nil {
		return s.bq.client, func() {}, nil
	}
	c, err := bigquery.NewClient(ctx, s.bq.projectID, option.WithTokenSource(auth))
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func (s *BigQuerySource) FetchTable(ctx context.Context, auth export.Auth, table export.TableDescriptor) (export.TabularExport, error) {
	ref, err := tableRef(table.ID)
	if err != nil {
		return export.TabularExport{}, err
	}
	client, release, err := s.clientFor(ctx, auth)
	if err != nil {
		return export.TabularExport{}, fmt.Errorf("create bigquery client: %w", err)
	}
	defer release()

	q := client.Query("SELECT * FROM " + ref)
	q.Location = s.location
	it, err := q.Read(ctx)
	if err != nil {
		return export.TabularExport{}, fmt.Errorf("failed to execute query on BigQuery: %w", err)
	}

	out := newBoundedCSV(s.maxBytes)
	var geo bool
	first := true
	writeHeader := func() error {
		first = false
		header := make([]string, len(it.Schema))
		for i, f := range it.Schema {
			header[i] = f.Name
			if f.Type == bigquery.GeographyFieldType {
				geo = true
			}
		}
		return out.Write(header)
	}
	for {
		var values []bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return export.TabularExport{}, err
		}
		// The schema is only known after the first Next.
		if first {
			if err := writeHeader(); err != nil {
				return export.TabularExport{}, err
			}
		}
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = formatCell(v)
		}
		if err := out.Write(record); err != nil {
			return export.TabularExport{}, err
		}
	}

	if first && len(it.Schema) > 0 {
		if err := writeHeader(); err != nil {
			return export.TabularExport{}, err
		}
	}

	slog.InfoContext(ctx, "Exported BigQuery table", "table", table.ID, "bytes", len(out.Bytes()))
	return export.TabularExport{Data: out.Bytes(), HasGeometryData: geo}, nil
}

func (s *BigQuerySource) FetchStyles(context.Context, export.Auth, string) ([]export.Style, error) {
	return nil, nil
}

// tableRef quotes a project.dataset.table id for standard SQL.
func tableRef(id string) (string, error) {
	parts := strings.Split(id, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return "", fmt.Errorf("invalid BigQuery table id %q", id)
	}
	for _, p := range parts {
		if p == "" || strings.ContainsAny(p, "`\\") {
			return "", fmt.Errorf("invalid BigQuery table id %q", id)
		}
	}
	return "`" + strings.Join(parts, ".") + "`", nil
}

// logRow is the BigQuery row written per export lifecycle event.
type logRow struct {
	Event      string    `bigquery:"event"`
	ExportID   string    `bigquery:"export_id"`
	TableID    string    `bigquery:"table_id"`
	IPHash     string    `bigquery:"ip_hash"`
	TableCount int       `bigquery:"table_count"`
	Status     string    `bigquery:"status"`
	SizeMB     float64   `bigquery:"size_mb"`
	Time       time.Time `bigquery:"time"`
}

// BigQueryLogSink streams export log events into a BigQuery table for
// analytics. Events are buffered and dropped when the buffer is full.
type BigQueryLogSink struct {
	inserter *bigquery.Inserter
	events   chan export.LogEvent
	done     chan struct{}
	once     sync.Once
}

const (
	logSinkBuffer    = 1024
	logSinkBatch     = 100
	logFlushInterval = 5 * time.Second
)

// NewBigQueryLogSink writes to dataset.table in the service's project.
func NewBigQueryLogSink(bq *BigQueryService, datasetTable string) (*BigQueryLogSink, error) {
	dataset, table, ok := strings.Cut(datasetTable, ".")
	if !ok || dataset == "" || table == "" {
		return nil, fmt.Errorf("export log table must be dataset.table, got %q", datasetTable)
	}
	s := &BigQueryLogSink{
		inserter: bq.client.Dataset(dataset).Table(table).Inserter(),
		events:   make(chan export.LogEvent, logSinkBuffer),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *BigQueryLogSink) Write(ev export.LogEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("Export log sink full, dropping event", "event", ev.Event, "export_id", ev.ExportID)
	}
}

// Close flushes buffered events and stops the sink.
func (s *BigQueryLogSink) Close() {
	s.once.Do(func() { close(s.events) })
	<-s.done
}

func (s *BigQueryLogSink) loop() {
	defer close(s.done)
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	batch := make([]*logRow, 0, logSinkBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.inserter.Put(ctx, batch); err != nil {
			slog.Warn("Failed to stream export log events", "events", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, &logRow{
				Event:      ev.Event,
				ExportID:   ev.ExportID,
				TableID:    ev.TableID,
				IPHash:     ev.IPHash,
				TableCount: ev.TableCount,
				Status:     string(ev.Status),
				SizeMB:     ev.SizeMB,
				Time:       ev.Time,
			})
			if len(batch) >= logSinkBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
