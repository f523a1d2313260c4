package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ft-exporter/api"
	"ft-exporter/config"
	"ft-exporter/export"
	"ft-exporter/service"

	"cloud.google.com/go/bigquery"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging (JSON format for Cloud Run)
	slog.SetDefault(newLogger(cfg))
	if envErr != nil {
		slog.Info("No .env file found, using system environment variables")
	}

	ctx := context.Background()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// BigQuery backs the bigquery source and the export log table.
	var bqService *service.BigQueryService
	if cfg.Source == config.SourceBigQuery || cfg.ExportLogTable != "" {
		projectID, err := detectProjectID(ctx, cfg.ProjectID)
		if err != nil {
			slog.Error("Failed to resolve GCP project", "error", err)
			os.Exit(1)
		}
		bqService, err = service.NewBigQueryService(ctx, projectID)
		if err != nil {
			slog.Error("Failed to initialize BigQuery service", "error", err)
			os.Exit(1)
		}
		closers = append(closers, func() { bqService.Close() })
	}

	source, closeSource, err := newSource(cfg, bqService)
	if err != nil {
		slog.Error("Failed to initialize export source", "source", cfg.Source, "error", err)
		os.Exit(1)
	}
	closers = append(closers, closeSource)

	var sinks []export.LogSink
	if cfg.ExportLogTable != "" {
		sink, err := service.NewBigQueryLogSink(bqService, cfg.ExportLogTable)
		if err != nil {
			slog.Error("Failed to initialize export log sink", "error", err)
			os.Exit(1)
		}
		closers = append(closers, sink.Close)
		sinks = append(sinks, sink)
	}

	policy := export.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    cfg.Retry.MaxDelay,
		MinJitter:   export.DefaultRetryPolicy.MinJitter,
		MaxJitter:   export.DefaultRetryPolicy.MaxJitter,
		Retryable:   service.IsTransient,
	}

	links := export.DefaultLinks
	if cfg.VisualizerURL != "" {
		links.Visualizer = cfg.VisualizerURL
	}
	drive := service.NewDrive()
	indexOpts := []export.IndexSheetOption{export.WithLinks(links)}
	if cfg.IndexSheetName != "" {
		indexOpts = append(indexOpts, export.WithIndexSheetName(cfg.IndexSheetName))
	}

	orch := export.NewOrchestrator(export.Deps{
		Source:      source,
		Destination: drive,
		Index:       export.NewIndexSheetWriter(drive, service.NewSheets(drive), policy, indexOpts...),
		Progress:    export.NewProgressStore(),
		Log:         export.NewLog(slog.Default(), sinks...),
	}, export.Options{
		ArchiveFolderName: cfg.ArchiveFolderName,
		FetchConcurrency:  cfg.FetchConcurrency,
		Retry:             policy,
	})

	// Job mode: execute once and exit (for Cloud Run Jobs)
	if cfg.RunMode == "job" {
		if err := runJob(ctx, orch, cfg.Job); err != nil {
			slog.Error("Job execution failed", "error", err)
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			os.Exit(1)
		}
		return
	}

	// Initialize Gin
	// Release mode is better for production performance
	if cfg.GinMode == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New() // Use New() to skip default logger/recovery middleware for custom ones
	r.Use(gin.Recovery())

	if cfg.APIKey != "" {
		apiKey := cfg.APIKey
		r.Use(func(c *gin.Context) {
			if c.Request.URL.Path == "/health" {
				c.Next()
				return
			}
			if c.GetHeader("X-API-Key") != apiKey {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Next()
		})
	}

	// Custom logger middleware for Gin that uses slog
	r.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		msg := "Request processed"
		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("client_ip_hash", api.HashIP(c.ClientIP())),
		}
		if raw != "" {
			attrs = append(attrs, slog.String("query", raw))
		}

		// Cloud Scheduler specific headers
		if jobName := c.GetHeader("X-CloudScheduler-JobName"); jobName != "" {
			attrs = append(attrs, slog.String("scheduler_job", jobName))
		}
		if scheduleTime := c.GetHeader("X-CloudScheduler-ScheduleTime"); scheduleTime != "" {
			attrs = append(attrs, slog.String("scheduler_time", scheduleTime))
		}

		if status >= 500 {
			slog.Error(msg, attrs...)
		} else {
			slog.Info(msg, attrs...)
		}
	})

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AddAllowHeaders("Authorization", "X-API-Key")
	r.Use(cors.New(corsConfig))

	// Health Check Endpoint (Vital for Cloud Run)
	r.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// Routes
	r.POST("/api/export", api.ExportHandler(orch))
	r.GET("/api/export/:id", api.SnapshotHandler(orch))
	r.GET("/api/export/:id/updates", api.UpdatesHandler(orch))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		slog.Info("Server starting", "port", cfg.Port, "source", cfg.Source)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Workers outlive their request; give running tables a chance to finish.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := orch.Drain(drainCtx); err != nil {
		slog.Warn("Exports still running at exit", "error", err)
	}

	slog.Info("Server exiting")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func detectProjectID(ctx context.Context, projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	slog.Info("GCP_PROJECT_ID not set, attempting to detect from credentials...")
	creds, err := google.FindDefaultCredentials(ctx, bigquery.Scope)
	if err != nil {
		return "", fmt.Errorf("find default credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return "", errors.New("GCP_PROJECT_ID is not set and could not be detected from credentials")
	}
	slog.Info("Detected Project ID", "project_id", creds.ProjectID)
	return creds.ProjectID, nil
}

func newSource(cfg *config.Config, bq *service.BigQueryService) (export.Source, func(), error) {
	switch cfg.Source {
	case config.SourceBigQuery:
		return service.NewBigQuerySource(bq, cfg.QueryLocation, cfg.MaxExportBytes), func() {}, nil
	case config.SourceStarRocks:
		sr, err := service.NewStarRocksService(service.StarRocksConfig{
			Host:     cfg.StarRocks.Host,
			Port:     cfg.StarRocks.Port,
			User:     cfg.StarRocks.User,
			Password: cfg.StarRocks.Password,
			DB:       cfg.StarRocks.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return service.NewStarRocksSource(sr, cfg.MaxExportBytes), func() { sr.Close() }, nil
	default:
		return service.NewFusionTablesSource(cfg.FusionTablesEndpoint, cfg.MaxExportBytes), func() {}, nil
	}
}

// runJob runs one export to completion and fails when any table failed.
func runJob(ctx context.Context, orch *export.Orchestrator, job config.JobConfig) error {
	id := job.ExportID
	if id == "" {
		id = uuid.NewString()
	}
	tables := make([]export.TableDescriptor, len(job.Tables))
	for i, t := range job.Tables {
		tables[i] = export.TableDescriptor{ID: t.ID, Name: t.Name}
	}
	var auth export.Auth
	if job.AccessToken != "" {
		auth = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: job.AccessToken, TokenType: "Bearer"})
	}

	folderID, err := orch.StartExport(ctx, export.ExportJob{
		ID:     id,
		Tables: tables,
		IPHash: api.HashIP("job"),
		Auth:   auth,
	})
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "Export started", "export_id", id, "folder_id", folderID, "tables", len(tables))

	if err := orch.Wait(ctx, id); err != nil {
		return err
	}
	results, err := orch.Snapshot(id)
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Status == export.StatusError {
			failed++
			slog.ErrorContext(ctx, "Table failed", "export_id", id, "table_id", r.TableID, "error", r.Error)
		}
	}
	slog.InfoContext(ctx, "Job execution completed", "export_id", id, "folder_id", folderID,
		"tables", len(results), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d tables failed", failed, len(results))
	}
	return nil
}
