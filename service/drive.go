package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"ft-exporter/export"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	mimeFolder      = "application/vnd.google-apps.folder"
	mimeSpreadsheet = "application/vnd.google-apps.spreadsheet"
	mimeCSV         = "text/csv"
)

// Drive is the export destination backed by Google Drive. A client is built
// per call from the caller's token so files belong to the requesting user.
type Drive struct {
	opts []option.ClientOption
}

func NewDrive(opts ...option.ClientOption) *Drive {
	return &Drive{opts: opts}
}

func (d *Drive) service(ctx context.Context, auth export.Auth) (*drive.Service, error) {
	opts := append([]option.ClientOption(nil), d.opts...)
	if auth != nil {
		opts = append(opts, option.WithTokenSource(auth))
	}
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive client: %w", err)
	}
	return svc, nil
}

func (d *Drive) ResolveFolder(ctx context.Context, auth export.Auth, name, parentID string) (string, error) {
	svc, err := d.service(ctx, auth)
	if err != nil {
		return "", err
	}
	f, err := findFile(ctx, svc, name, parentID, mimeFolder)
	if err != nil {
		return "", err
	}
	if f.ID != "" {
		return f.ID, nil
	}
	return createFolder(ctx, svc, name, parentID)
}

func (d *Drive) CreateFolder(ctx context.Context, auth export.Auth, name, parentID string) (string, error) {
	svc, err := d.service(ctx, auth)
	if err != nil {
		return "", err
	}
	return createFolder(ctx, svc, name, parentID)
}

// UploadArtifact stores CSV content in the folder, converting it to a native
// spreadsheet when requested.
func (d *Drive) UploadArtifact(ctx context.Context, auth export.Auth, folderID string, a export.Artifact) (export.FileHandle, error) {
	svc, err := d.service(ctx, auth)
	if err != nil {
		return export.FileHandle{}, err
	}
	meta := &drive.File{Name: a.Name, Parents: []string{folderID}}
	if a.Convert {
		meta.MimeType = mimeSpreadsheet
	}
	f, err := svc.Files.Create(meta).
		Media(bytes.NewReader(a.Content), googleapi.ContentType(mimeCSV)).
		Fields("id", "name", "mimeType").
		Context(ctx).
		Do()
	if err != nil {
		return export.FileHandle{}, fmt.Errorf("upload %q: %w", a.Name, err)
	}
	slog.DebugContext(ctx, "Uploaded artifact", "file_id", f.Id, "name", f.Name, "mime_type", f.MimeType, "bytes", len(a.Content))
	return export.FileHandle{ID: f.Id, Name: f.Name, MimeType: f.MimeType}, nil
}

func (d *Drive) ReplicatePermissions(ctx context.Context, auth export.Auth, fileID string, perms []export.Permission) error {
	svc, err := d.service(ctx, auth)
	if err != nil {
		return err
	}
	for _, p := range perms {
		_, err := svc.Permissions.Create(fileID, &drive.Permission{
			Type:         p.Type,
			Role:         p.Role,
			EmailAddress: p.EmailAddress,
			Domain:       p.Domain,
		}).SendNotificationEmail(false).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("grant %s %s: %w", p.Type, p.Role, err)
		}
	}
	return nil
}

func (d *Drive) FindNamedFile(ctx context.Context, auth export.Auth, name, parentID string) (export.FileHandle, error) {
	svc, err := d.service(ctx, auth)
	if err != nil {
		return export.FileHandle{}, err
	}
	return findFile(ctx, svc, name, parentID, "")
}

func createFolder(ctx context.Context, svc *drive.Service, name, parentID string) (string, error) {
	meta := &drive.File{Name: name, MimeType: mimeFolder}
	if parentID != "" {
		meta.Parents = []string{parentID}
	}
	f, err := svc.Files.Create(meta).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return f.Id, nil
}

func findFile(ctx context.Context, svc *drive.Service, name, parentID, mimeType string) (export.FileHandle, error) {
	res, err := svc.Files.List().
		Q(fileQuery(name, parentID, mimeType)).
		Fields("files(id,name,mimeType)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return export.FileHandle{}, fmt.Errorf("find %q: %w", name, err)
	}
	if len(res.Files) == 0 {
		return export.FileHandle{}, nil
	}
	f := res.Files[0]
	return export.FileHandle{ID: f.Id, Name: f.Name, MimeType: f.MimeType}, nil
}

func fileQuery(name, parentID, mimeType string) string {
	if parentID == "" {
		parentID = "root"
	}
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", quote(name), quote(parentID))
	if mimeType != "" {
		q += fmt.Sprintf(" and mimeType = '%s'", mimeType)
	}
	return q
}

func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
