package mapping

import (
	"errors"
	"time"
)

// timeLayouts are tried in order. ISO-8601 allows the seconds to be left
// out, as in "2024-01-01T00:01Z".
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

var errTimeFormat = errors.New("not an ISO-8601 timestamp")

// ParseTime parses an ISO-8601 timestamp with a zone offset
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errTimeFormat
}
