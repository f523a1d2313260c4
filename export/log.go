package export

import (
	"context"
	"log/slog"
	"time"
)

// Lifecycle event names written to the export log.
const (
	EventExportStarted  = "export_started"
	EventTableStarted   = "table_started"
	EventTableFinished  = "table_finished"
	EventExportFinished = "export_finished"
)

// LogEvent is one export lifecycle record.
type LogEvent struct {
	Event      string
	ExportID   string
	TableID    string
	IPHash     string
	TableCount int
	Status     Status
	SizeMB     float64
	Time       time.Time
}

// LogSink receives lifecycle events in addition to the structured log. Write
// must not block; sinks that can fall behind should drop events.
type LogSink interface {
	Write(ev LogEvent)
}

// Log writes export lifecycle events. It never fails and never blocks the
// pipeline: panics from handlers or sinks are swallowed.
type Log struct {
	logger *slog.Logger
	sinks  []LogSink
	now    func() time.Time
}

func NewLog(logger *slog.Logger, sinks ...LogSink) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, sinks: sinks, now: time.Now}
}

func (l *Log) ExportStarted(ctx context.Context, exportID, ipHash string, tableCount int) {
	l.emit(ctx, LogEvent{Event: EventExportStarted, ExportID: exportID, IPHash: ipHash, TableCount: tableCount},
		"export_id", exportID, "ip_hash", ipHash, "tables", tableCount)
}

func (l *Log) TableStarted(ctx context.Context, exportID, tableID string) {
	l.emit(ctx, LogEvent{Event: EventTableStarted, ExportID: exportID, TableID: tableID},
		"export_id", exportID, "table_id", tableID)
}

func (l *Log) TableFinished(ctx context.Context, exportID, tableID string, status Status, sizeMB float64) {
	l.emit(ctx, LogEvent{Event: EventTableFinished, ExportID: exportID, TableID: tableID, Status: status, SizeMB: sizeMB},
		"export_id", exportID, "table_id", tableID, "status", string(status), "size_mb", sizeMB)
}

func (l *Log) ExportFinished(ctx context.Context, exportID string) {
	l.emit(ctx, LogEvent{Event: EventExportFinished, ExportID: exportID},
		"export_id", exportID)
}

func (l *Log) emit(ctx context.Context, ev LogEvent, attrs ...any) {
	defer func() { _ = recover() }()

	ev.Time = l.now()
	level := slog.LevelInfo
	if ev.Status == StatusError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, ev.Event, attrs...)
	for _, s := range l.sinks {
		l.write(s, ev)
	}
}

func (l *Log) write(s LogSink, ev LogEvent) {
	defer func() { _ = recover() }()
	s.Write(ev)
}
