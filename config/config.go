// Package config loads the exporter's settings from environment variables.
// main loads a .env file first when one is present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Source drivers.
const (
	SourceFusionTables = "fusiontables"
	SourceBigQuery     = "bigquery"
	SourceStarRocks    = "starrocks"
)

var (
	ErrUnknownSource       = errors.New("EXPORT_SOURCE must be one of: fusiontables, bigquery, starrocks")
	ErrRetryAttempts       = errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	ErrFetchConcurrency    = errors.New("LEGACY_FETCH_CONCURRENCY must be at least 1")
	ErrStarRocksIncomplete = errors.New("missing StarRocks env: require STARROCKS_HOST, STARROCKS_PORT, STARROCKS_USER, STARROCKS_DB")
)

type Config struct {
	Port     string
	GinMode  string
	APIKey   string
	RunMode  string
	LogLevel string
	// LogFormat is json (default, for Cloud Run) or text.
	LogFormat string

	Source               string
	FusionTablesEndpoint string
	MaxExportBytes       int64
	FetchConcurrency     int64

	ArchiveFolderName string
	IndexSheetName    string
	VisualizerURL     string

	Retry RetryConfig

	ProjectID      string
	QueryLocation  string
	ExportLogTable string

	StarRocks StarRocksConfig

	Job JobConfig
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

type StarRocksConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
}

// JobConfig describes the single export run when RUN_MODE=job.
type JobConfig struct {
	ExportID    string
	Tables      []JobTable
	AccessToken string
}

type JobTable struct {
	ID   string
	Name string
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      getenv("PORT", "8080"),
		GinMode:   os.Getenv("GIN_MODE"),
		APIKey:    os.Getenv("API_KEY"),
		RunMode:   strings.ToLower(getenv("RUN_MODE", "server")),
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		Source:               strings.ToLower(getenv("EXPORT_SOURCE", SourceFusionTables)),
		FusionTablesEndpoint: os.Getenv("FUSIONTABLES_ENDPOINT"),

		ArchiveFolderName: os.Getenv("ARCHIVE_FOLDER_NAME"),
		IndexSheetName:    os.Getenv("INDEX_SHEET_NAME"),
		VisualizerURL:     os.Getenv("VISUALIZER_URL"),

		ProjectID:      os.Getenv("GCP_PROJECT_ID"),
		QueryLocation:  os.Getenv("BIGQUERY_LOCATION"),
		ExportLogTable: os.Getenv("EXPORT_LOG_TABLE"),

		StarRocks: StarRocksConfig{
			Host:     os.Getenv("STARROCKS_HOST"),
			Port:     os.Getenv("STARROCKS_PORT"),
			User:     os.Getenv("STARROCKS_USER"),
			Password: os.Getenv("STARROCKS_PASSWORD"),
			DB:       os.Getenv("STARROCKS_DB"),
		},

		Job: JobConfig{
			ExportID:    os.Getenv("JOB_EXPORT_ID"),
			Tables:      parseTables(os.Getenv("JOB_TABLES")),
			AccessToken: os.Getenv("JOB_ACCESS_TOKEN"),
		},
	}

	var err error
	if cfg.MaxExportBytes, err = getInt64("FUSIONTABLES_MAX_EXPORT_BYTES", 250<<20); err != nil {
		return nil, err
	}
	if cfg.FetchConcurrency, err = getInt64("LEGACY_FETCH_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	attempts, err := getInt64("RETRY_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	cfg.Retry.MaxAttempts = int(attempts)
	if cfg.Retry.BaseDelay, err = getDuration("RETRY_BASE_DELAY", time.Second); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxDelay, err = getDuration("RETRY_MAX_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Retry.Multiplier, err = getFloat("RETRY_MULTIPLIER", 2); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Source {
	case SourceFusionTables, SourceBigQuery:
	case SourceStarRocks:
		s := c.StarRocks
		if s.Host == "" || s.Port == "" || s.User == "" || s.DB == "" {
			return ErrStarRocksIncomplete
		}
	default:
		return ErrUnknownSource
	}
	if c.Retry.MaxAttempts < 1 {
		return ErrRetryAttempts
	}
	if c.FetchConcurrency < 1 {
		return ErrFetchConcurrency
	}
	if c.RunMode == "job" {
		if len(c.Job.Tables) == 0 {
			return errors.New("JOB_TABLES is empty")
		}
		if c.Job.AccessToken == "" && c.Source != SourceStarRocks {
			return errors.New("JOB_ACCESS_TOKEN is empty")
		}
	}
	return nil
}

// parseTables reads a comma separated list of id or id:name entries.
func parseTables(v string) []JobTable {
	var out []JobTable
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, name, _ := strings.Cut(item, ":")
		if name == "" {
			name = id
		}
		out = append(out, JobTable{ID: strings.TrimSpace(id), Name: strings.TrimSpace(name)})
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return f, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
