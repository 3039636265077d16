// Package model holds the documents, indicators, events and matches that flow through a scan.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is a raw hit returned by a search backend.
type Document struct {
	ID     string                 `json:"_id"`
	Index  string                 `json:"_index"`
	Source map[string]interface{} `json:"_source"`
	Sort   []interface{}          `json:"sort,omitempty"`
}

// FieldValues returns every scalar value stored under a dotted path.
// Both nested objects ({"source":{"ip":..}}) and flattened keys
// ({"source.ip":..}) are resolved, arrays yield one value per element.
func FieldValues(doc map[string]interface{}, path string) []string {
	path = strings.TrimPrefix(path, ".")
	if doc == nil || path == "" {
		return nil
	}

	var out []string
	if v, ok := doc[path]; ok {
		out = appendScalars(out, v)
	}

	parts := strings.Split(path, ".")
	for i := 1; i < len(parts); i++ {
		head := strings.Join(parts[:i], ".")
		nested, ok := doc[head].(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, FieldValues(nested, strings.Join(parts[i:], "."))...)
	}

	// Objects inside arrays, e.g. {"threat":{"enrichments":[{"indicator":..}]}}.
	if arr, ok := doc[parts[0]].([]interface{}); ok && len(parts) > 1 {
		rest := strings.Join(parts[1:], ".")
		for _, item := range arr {
			if obj, ok := item.(map[string]interface{}); ok {
				out = append(out, FieldValues(obj, rest)...)
			}
		}
	}
	return out
}

// FieldValue returns the first value under path, or "".
func FieldValue(doc map[string]interface{}, path string) string {
	if vals := FieldValues(doc, path); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func appendScalars(out []string, v interface{}) []string {
	switch val := v.(type) {
	case nil:
		return out
	case string:
		if val == "" {
			return out
		}
		return append(out, val)
	case []interface{}:
		for _, item := range val {
			out = appendScalars(out, item)
		}
		return out
	case []string:
		for _, item := range val {
			out = appendScalars(out, item)
		}
		return out
	case map[string]interface{}:
		return out
	case float64:
		return append(out, formatFloat(val))
	default:
		return append(out, fmt.Sprintf("%v", val))
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ParseTime reads an RFC3339 or epoch-millis timestamp from path.
func ParseTime(doc map[string]interface{}, path string) time.Time {
	raw := FieldValue(doc, path)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return time.Time{}
}
