package service

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/go-sql-driver/mysql"
	"google.golang.org/api/googleapi"
)

// ErrExportTooLarge is returned when a table's tabular export exceeds the
// configured byte bound.
var ErrExportTooLarge = errors.New("table export exceeds the size limit")

// IsTransient reports whether err is worth retrying: rate limiting, server
// errors, timeouts and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 {
			return true
		}
		if gerr.Code == http.StatusForbidden {
			for _, e := range gerr.Errors {
				switch e.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
					return true
				}
			}
		}
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, driver.ErrBadConn)
}
