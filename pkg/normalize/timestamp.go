package normalize

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/mapping"
)

// timestamp picks the event time: clusterTime, then wallTime, then the clock.
// The result is RFC 3339 in UTC.
func (n *Normalizer) timestamp(record map[string]any) string {
	for _, field := range []string{"clusterTime", "wallTime"} {
		if t, ok := parseTime(record[field]); ok {
			return formatTime(t)
		}
	}
	return formatTime(n.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts ISO-8601 strings (seconds optional), numbers as Unix seconds, and the
// extended JSON forms {"$timestamp": {"t": secs, "i": inc}} and
// {"$date": ...}.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		parsed, err := mapping.ParseTime(s)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return unixSeconds(f)
	case float64:
		return unixSeconds(t)
	case int64:
		return time.Unix(t, 0), true
	case int:
		return time.Unix(int64(t), 0), true
	case map[string]any:
		if ts, ok := t["$timestamp"].(map[string]any); ok {
			return parseTime(ts["t"])
		}
		if date, ok := t["$date"]; ok {
			return parseDate(date)
		}
	}
	return time.Time{}, false
}

// parseDate reads extended JSON dates: an RFC 3339 string, milliseconds
// since the epoch, or {"$numberLong": "<millis>"}.
func parseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case string:
		return parseTime(d)
	case json.Number:
		ms, err := d.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	case float64:
		return time.UnixMilli(int64(d)), true
	case map[string]any:
		if s, ok := d["$numberLong"].(string); ok {
			return parseDate(json.Number(s))
		}
	}
	return time.Time{}, false
}

func unixSeconds(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))), true
}
