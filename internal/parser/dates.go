package parser

import (
	"fmt"
	"strings"
	"time"
)

// ParseSPLDate parses an HL7 TS value at day precision. Accepted precisions:
// YYYYMMDD, YYYYMM (first of month), YYYY (January 1st). An empty value
// parses to the zero time with no error; callers that require a date check
// IsZero.
func ParseSPLDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	// Drop any time-of-day or zone suffix (e.g. 20240115123045-0500).
	if len(v) > 8 {
		v = v[:8]
	}
	var layout string
	switch len(v) {
	case 8:
		layout = "20060102"
	case 6:
		layout = "200601"
	case 4:
		layout = "2006"
	default:
		return time.Time{}, fmt.Errorf("date %q: unsupported precision", v)
	}
	t, err := time.ParseInLocation(layout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", v, err)
	}
	return t, nil
}
