package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"ft-exporter/export"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

const (
	DefaultFusionTablesEndpoint = "https://www.googleapis.com/fusiontables/v2"
	DefaultMaxExportBytes       = 250 << 20
)

// FusionTablesSource reads tables from the legacy Fusion Tables REST API.
// The API has no generated Go client, so requests are issued directly over
// an OAuth2 HTTP client.
type FusionTablesSource struct {
	endpoint string
	maxBytes int64
}

func NewFusionTablesSource(endpoint string, maxBytes int64) *FusionTablesSource {
	if endpoint == "" {
		endpoint = DefaultFusionTablesEndpoint
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxExportBytes
	}
	return &FusionTablesSource{endpoint: strings.TrimSuffix(endpoint, "/"), maxBytes: maxBytes}
}

func (s *FusionTablesSource) client(ctx context.Context, auth export.Auth) *http.Client {
	if auth == nil {
		return http.DefaultClient
	}
	return oauth2.NewClient(ctx, auth)
}

// FetchTable downloads the table as CSV.
func (s *FusionTablesSource) FetchTable(ctx context.Context, auth export.Auth, table export.TableDescriptor) (export.TabularExport, error) {
	q := url.Values{}
	q.Set("sql", "SELECT * FROM "+table.ID)
	q.Set("alt", "csv")

	resp, err := s.get(ctx, auth, s.endpoint+"/query?"+q.Encode())
	if err != nil {
		return export.TabularExport{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return export.TabularExport{}, fmt.Errorf("read csv export: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return export.TabularExport{}, fmt.Errorf("%w (%d bytes)", ErrExportTooLarge, s.maxBytes)
	}

	slog.DebugContext(ctx, "Fetched Fusion Table", "table_id", table.ID, "bytes", len(data))
	return export.TabularExport{Data: data, HasGeometryData: ContainsGeometry(data)}, nil
}

type styleList struct {
	Items []struct {
		StyleID int    `json:"styleId"`
		Name    string `json:"name"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// FetchStyles lists every style of the table, following pagination.
func (s *FusionTablesSource) FetchStyles(ctx context.Context, auth export.Auth, tableID string) ([]export.Style, error) {
	var (
		styles []export.Style
		token  string
	)
	for {
		u := s.endpoint + "/tables/" + url.PathEscape(tableID) + "/styles"
		if token != "" {
			u += "?pageToken=" + url.QueryEscape(token)
		}
		resp, err := s.get(ctx, auth, u)
		if err != nil {
			return nil, err
		}
		var page styleList
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode styles: %w", err)
		}
		for _, it := range page.Items {
			styles = append(styles, export.Style{ID: it.StyleID, Name: it.Name})
		}
		if page.NextPageToken == "" {
			return styles, nil
		}
		token = page.NextPageToken
	}
}

func (s *FusionTablesSource) get(ctx context.Context, auth export.Auth, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client(ctx, auth).Do(req)
	if err != nil {
		return nil, err
	}
	if err := googleapi.CheckResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
