package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ft-exporter/export"

	_ "github.com/go-sql-driver/mysql"
)

// StarRocksConfig holds connection settings for a StarRocks frontend.
type StarRocksConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DB       string
}

type StarRocksService struct {
	db *sql.DB
}

func NewStarRocksService(cfg StarRocksConfig) (*StarRocksService, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.User == "" || cfg.DB == "" {
		return nil, fmt.Errorf("missing StarRocks env: require STARROCKS_HOST, STARROCKS_PORT, STARROCKS_USER, STARROCKS_DB")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DB)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to StarRocks: %w", err)
	}
	return &StarRocksService{db: db}, nil
}

// NewStarRocksServiceFromDB wraps an open connection pool.
func NewStarRocksServiceFromDB(db *sql.DB) *StarRocksService {
	return &StarRocksService{db: db}
}

func (s *StarRocksService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// geometryTypes are column types that hold spatial data.
var geometryTypes = map[string]bool{
	"GEOMETRY":        true,
	"POINT":           true,
	"LINESTRING":      true,
	"POLYGON":         true,
	"MULTIPOINT":      true,
	"MULTILINESTRING": true,
	"MULTIPOLYGON":    true,
}

// StarRocksSource exports StarRocks (or any MySQL-protocol) tables as CSV.
// It carries no styles and ignores the caller's Google credentials.
type StarRocksSource struct {
	sr       *StarRocksService
	maxBytes int64
}

func NewStarRocksSource(sr *StarRocksService, maxBytes int64) *StarRocksSource {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxExportBytes
	}
	return &StarRocksSource{sr: sr, maxBytes: maxBytes}
}

func (s *StarRocksSource) FetchTable(ctx context.Context, _ export.Auth, table export.TableDescriptor) (export.TabularExport, error) {
	ident, err := quoteIdent(table.ID)
	if err != nil {
		return export.TabularExport{}, err
	}
	rows, err := s.sr.db.QueryContext(ctx, "SELECT * FROM "+ident)
	if err != nil {
		return export.TabularExport{}, fmt.Errorf("query %s: %w", table.ID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return export.TabularExport{}, err
	}
	var geo bool
	if types, err := rows.ColumnTypes(); err == nil {
		for _, ct := range types {
			if geometryTypes[strings.ToUpper(ct.DatabaseTypeName())] {
				geo = true
			}
		}
	}

	out := newBoundedCSV(s.maxBytes)
	if err := out.Write(cols); err != nil {
		return export.TabularExport{}, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	var n int
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return export.TabularExport{}, err
		}
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = formatCell(v)
		}
		if err := out.Write(record); err != nil {
			return export.TabularExport{}, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return export.TabularExport{}, err
	}

	slog.InfoContext(ctx, "Exported StarRocks table", "table", table.ID, "rows", n, "bytes", len(out.Bytes()))
	return export.TabularExport{Data: out.Bytes(), HasGeometryData: geo}, nil
}

func (s *StarRocksSource) FetchStyles(context.Context, export.Auth, string) ([]export.Style, error) {
	return nil, nil
}

// quoteIdent backtick-quotes a table or db.table identifier.
func quoteIdent(id string) (string, error) {
	parts := strings.Split(id, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid table name %q", id)
	}
	for i, p := range parts {
		if p == "" || strings.ContainsAny(p, "`;") {
			return "", fmt.Errorf("invalid table name %q", id)
		}
		parts[i] = "`" + p + "`"
	}
	return strings.Join(parts, "."), nil
}
