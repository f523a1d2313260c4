package service

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/go-sql-driver/mysql"
	"google.golang.org/api/googleapi"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &googleapi.Error{Code: 429}, true},
		{"server error", &googleapi.Error{Code: 503}, true},
		{"quota 403", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, true},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, false},
		{"not found", &googleapi.Error{Code: 404}, false},
		{"timeout", timeoutErr{}, true},
		{"wrapped eof", errors.Join(errors.New("read"), io.ErrUnexpectedEOF), true},
		{"bad conn", mysql.ErrInvalidConn, true},
		{"too large", ErrExportTooLarge, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBigQueryLogSinkRejectsBadTable(t *testing.T) {
	if _, err := NewBigQueryLogSink(&BigQueryService{}, "no-dataset"); err == nil {
		t.Error("NewBigQueryLogSink accepted a table without a dataset")
	}
}
