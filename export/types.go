// Package export sequences the per-table work of migrating a batch of hosted
// tables into a Drive archive folder, recording progress for pollers and
// appending an audit row per artifact to a long-lived index spreadsheet.
package export

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Auth is the caller's credential. Every collaborator call receives it so that
// files are created on behalf of the requesting user.
type Auth = oauth2.TokenSource

// Permission is a grant to replicate onto an exported file.
type Permission struct {
	Type         string `json:"type"` // user, group, domain, anyone
	Role         string `json:"role"` // reader, commenter, writer
	EmailAddress string `json:"email_address,omitempty"`
	Domain       string `json:"domain,omitempty"`
}

// TableDescriptor identifies a source table.
type TableDescriptor struct {
	ID          string       `json:"id" binding:"required"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// ExportJob is one batch request. It must not be modified once dispatched.
type ExportJob struct {
	ID     string
	Tables []TableDescriptor
	IPHash string
	Auth   Auth
}

// Style is a named rendering configuration for a table's geometry.
type Style struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// FileHandle describes a file in the destination store.
type FileHandle struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
}

// TabularExport is the fetched content of one table.
type TabularExport struct {
	Data            []byte
	HasGeometryData bool
}

// Artifact is content to upload into a folder.
type Artifact struct {
	Name    string
	Content []byte
	// Convert asks the destination to store the content as a native
	// spreadsheet instead of a raw CSV file.
	Convert bool
}

// SheetRef addresses one tab of a spreadsheet.
type SheetRef struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetID       int64  `json:"sheet_id"`
}

// Status is the state of a TableExportResult.
type Status string

const (
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// TableExportResult is the progress record of one table within an export.
// Loading results carry only the table identity. Error results keep whatever
// telemetry was captured before the failure.
type TableExportResult struct {
	TableID         string        `json:"table_id"`
	Name            string        `json:"name"`
	Status          Status        `json:"status"`
	File            *FileHandle   `json:"file,omitempty"`
	StyleIDs        []int         `json:"style_ids,omitempty"`
	SizeMB          float64       `json:"size_mb"`
	Latency         time.Duration `json:"latency"`
	IsLarge         bool          `json:"is_large"`
	HasGeometryData bool          `json:"has_geometry_data"`
	Error           string        `json:"error,omitempty"`
}

// Source reads tables from the legacy hosted-table service (or a stand-in).
type Source interface {
	FetchTable(ctx context.Context, auth Auth, table TableDescriptor) (TabularExport, error)
	FetchStyles(ctx context.Context, auth Auth, tableID string) ([]Style, error)
}

// Destination is the file store exports are written into.
type Destination interface {
	// ResolveFolder returns the id of the folder with the given name under
	// parentID (the store root when empty), creating it when absent.
	ResolveFolder(ctx context.Context, auth Auth, name, parentID string) (string, error)
	CreateFolder(ctx context.Context, auth Auth, name, parentID string) (string, error)
	UploadArtifact(ctx context.Context, auth Auth, folderID string, artifact Artifact) (FileHandle, error)
	ReplicatePermissions(ctx context.Context, auth Auth, fileID string, perms []Permission) error
	// FindNamedFile returns the file named name in parentID. The handle has
	// an empty ID when there is none.
	FindNamedFile(ctx context.Context, auth Auth, name, parentID string) (FileHandle, error)
}

// SheetStore is the spreadsheet service holding the index sheet.
type SheetStore interface {
	CreateSpreadsheet(ctx context.Context, auth Auth, title, sheetTitle, parentID string) (SheetRef, error)
	// LookupSheet returns the numeric id of the tab titled sheetTitle, and
	// false when the spreadsheet has no such tab.
	LookupSheet(ctx context.Context, auth Auth, spreadsheetID, sheetTitle string) (int64, bool, error)
	FormatHeader(ctx context.Context, auth Auth, ref SheetRef, columns int) error
	AppendRows(ctx context.Context, auth Auth, ref SheetRef, rows [][]string) error
}

// ErrorReporter receives per-table failures for aggregation elsewhere.
type ErrorReporter interface {
	Report(ctx context.Context, err error, attrs ...any)
}
