package ingest

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Timestamp converts a wire timestamp to time.Time. The wire unit is
// milliseconds since the Unix epoch; numeric strings and RFC 3339 strings
// are accepted. ok is false when v is absent or unusable.
func Timestamp(v any) (time.Time, bool) {
	switch ts := v.(type) {
	case float64:
		if math.IsNaN(ts) || math.IsInf(ts, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(ts)), true
	case int64:
		return time.UnixMilli(ts), true
	case int:
		return time.UnixMilli(int64(ts)), true
	case string:
		s := strings.TrimSpace(ts)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.UnixMilli(int64(f)), true
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func optString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func optFloat(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	default:
		return nil
	}
	return &f
}

// present reports whether a required field carries a value. Empty
// strings, false, zero and NaN count as missing.
func present(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

func rawJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
