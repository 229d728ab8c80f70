// Package timecodec parses and formats the ISO-8601 UTC timestamps used
// throughout the upstream and classifier payloads, always with a literal
// "Z" suffix rather than "+00:00".
package timecodec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrParseTime is wrapped by Parse when the input cannot be interpreted
// as an ISO-8601 timestamp.
var ErrParseTime = errors.New("timecodec: cannot parse time")

const layout = "2006-01-02T15:04:05Z"

// Parse accepts either a "Z"-suffixed or "+00:00"-suffixed ISO-8601
// timestamp and returns it normalized to UTC.
func Parse(s string) (time.Time, error) {
	normalized := strings.Replace(s, "Z", "+00:00", 1)
	t, err := time.Parse(time.RFC3339, normalized)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrParseTime, s, err)
	}
	return t.UTC(), nil
}

// Format renders t in UTC as an ISO-8601 timestamp with second precision
// and a literal "Z" suffix, the inverse of Parse.
func Format(t time.Time) string {
	return t.UTC().Format(layout)
}
