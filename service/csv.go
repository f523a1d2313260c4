package service

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"
)

// geometryMarkers are the KML elements the legacy service embeds in location
// columns of its CSV exports.
var geometryMarkers = [][]byte{
	[]byte("<Point"),
	[]byte("<LineString"),
	[]byte("<Polygon"),
	[]byte("<MultiGeometry"),
	[]byte("<LinearRing"),
}

// ContainsGeometry reports whether CSV content carries KML geometry.
func ContainsGeometry(data []byte) bool {
	for _, m := range geometryMarkers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}

// boundedCSV accumulates CSV records and fails once the output passes max
// bytes. A max of zero or less disables the bound.
type boundedCSV struct {
	buf bytes.Buffer
	w   *csv.Writer
	max int64
}

func newBoundedCSV(max int64) *boundedCSV {
	b := &boundedCSV{max: max}
	b.w = csv.NewWriter(&b.buf)
	return b
}

func (b *boundedCSV) Write(record []string) error {
	if err := b.w.Write(record); err != nil {
		return err
	}
	b.w.Flush()
	if err := b.w.Error(); err != nil {
		return err
	}
	if b.max > 0 && int64(b.buf.Len()) > b.max {
		return fmt.Errorf("%w (%d bytes)", ErrExportTooLarge, b.max)
	}
	return nil
}

func (b *boundedCSV) Bytes() []byte {
	return b.buf.Bytes()
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
