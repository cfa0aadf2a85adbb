package trace

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TextOf renders a loosely-typed JSON value as text. Strings are returned
// as-is, scalars use their canonical JSON spelling, and composite values are
// rendered as compact JSON.
func TextOf(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		encoded, err := jsonCodec.Marshal(typed)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// Int returns the field under key as an integer. Recorders written in
// other languages send counts as JSON numbers or as decimal strings; both
// are accepted, and fractional numbers are rejected.
func (e Event) Int(key string) (int, bool) {
	value, ok := e.Lookup(key)
	if !ok {
		return 0, false
	}
	var text string
	switch typed := value.(type) {
	case json.Number:
		text = typed.String()
	case string:
		text = strings.TrimSpace(typed)
	case float64:
		if typed != float64(int(typed)) {
			return 0, false
		}
		return int(typed), true
	case int:
		return typed, true
	case int64:
		return int(typed), true
	default:
		return 0, false
	}
	parsed, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// Bool returns the field under key as a boolean, accepting JSON booleans
// and the strings "true" and "false" in any case.
func (e Event) Bool(key string) (bool, bool) {
	value, ok := e.Lookup(key)
	if !ok {
		return false, false
	}
	switch typed := value.(type) {
	case bool:
		return typed, true
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses an ISO-8601 timestamp as emitted by the recorder.
// Timestamps without a zone are read as UTC.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}
