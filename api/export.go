package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"ft-exporter/export"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Exporter is the part of export.Orchestrator the handlers need.
type Exporter interface {
	StartExport(ctx context.Context, job export.ExportJob) (string, error)
	Updates(exportID string, delivered func(tableID string) bool) ([]export.TableExportResult, error)
	Snapshot(exportID string) ([]export.TableExportResult, error)
}

type ExportRequest struct {
	ExportID string                   `json:"export_id"`
	Tables   []export.TableDescriptor `json:"tables" binding:"required,min=1,dive"`
}

type ExportResponse struct {
	Message  string `json:"message"`
	ExportID string `json:"export_id"`
	FolderID string `json:"folder_id"`
}

type UpdatesResponse struct {
	ExportID string                     `json:"export_id"`
	Results  []export.TableExportResult `json:"results"`
}

// ExportHandler starts an export on behalf of the caller identified by the
// bearer access token and returns once the export folder exists.
func ExportHandler(exp Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer access token"})
			return
		}

		var req ExportRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.WarnContext(ctx, "Invalid request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.ExportID == "" {
			req.ExportID = uuid.NewString()
		}

		slog.InfoContext(ctx, "Received export request",
			"export_id", req.ExportID,
			"tables", len(req.Tables),
		)

		job := export.ExportJob{
			ID:     req.ExportID,
			Tables: req.Tables,
			IPHash: HashIP(c.ClientIP()),
			Auth:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		}
		folderID, err := exp.StartExport(ctx, job)
		if err != nil {
			status := startStatus(err)
			if status >= http.StatusInternalServerError {
				slog.ErrorContext(ctx, "Export failed to start", "export_id", req.ExportID, "error", err)
			} else {
				slog.WarnContext(ctx, "Export rejected", "export_id", req.ExportID, "error", err)
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, ExportResponse{
			Message:  "OK",
			ExportID: req.ExportID,
			FolderID: folderID,
		})
	}
}

// UpdatesHandler returns the terminal results the caller has not yet seen.
// Seen table ids are passed as ?seen=a,b.
func UpdatesHandler(exp Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		seen := make(map[string]bool)
		for _, v := range strings.Split(c.Query("seen"), ",") {
			if v = strings.TrimSpace(v); v != "" {
				seen[v] = true
			}
		}
		results, err := exp.Updates(id, func(tableID string) bool { return seen[tableID] })
		if err != nil {
			writeLookupError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, UpdatesResponse{ExportID: id, Results: results})
	}
}

// SnapshotHandler returns every table result of an export, in request order.
func SnapshotHandler(exp Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		results, err := exp.Snapshot(id)
		if err != nil {
			writeLookupError(c, id, err)
			return
		}
		c.JSON(http.StatusOK, UpdatesResponse{ExportID: id, Results: results})
	}
}

// HashIP returns the hex sha256 of a client address. Raw addresses are never
// logged.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, export.ErrMissingExportID),
		errors.Is(err, export.ErrNoTables),
		errors.Is(err, export.ErrDuplicateTable):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrExportExists),
		errors.Is(err, export.ErrLegacyArtifactConflict):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeLookupError(c *gin.Context, id string, err error) {
	if errors.Is(err, export.ErrExportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	slog.ErrorContext(c.Request.Context(), "Progress lookup failed", "export_id", id, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
