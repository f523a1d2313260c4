package export

import (
	"errors"
	"fmt"
)

var (
	// ErrLegacyArtifactConflict means a file with the index sheet's name exists
	// in the archive folder but is not an index sheet. It is never retried.
	ErrLegacyArtifactConflict = errors.New("a file named like the index sheet already exists but is not an index sheet; rename or remove it and retry the export")

	ErrExportNotFound = errors.New("export not found")
	ErrNoTables       = errors.New("export has no tables")
)

// FetchError wraps a failure to read a table from the source.
type FetchError struct {
	TableID string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch table %s: %v", e.TableID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UploadError wraps a failure to store a table in the destination.
type UploadError struct {
	TableID string
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload table %s: %v", e.TableID, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
