package logging

import (
	"log/slog"
	"time"
)

// Field names shared across components so log queries stay stable.
const (
	FieldService    = "service"
	FieldRequestID  = "request_id"
	FieldRule       = "rule"
	FieldScanID     = "scan_id"
	FieldRunID      = "run_id"
	FieldState      = "state"
	FieldIndex      = "index"
	FieldPage       = "page"
	FieldCount      = "count"
	FieldMatches    = "matches"
	FieldIndicators = "indicators"
	FieldEventID    = "event_id"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
)

func Service(name string) slog.Attr { return slog.String(FieldService, name) }

func Rule(name string) slog.Attr { return slog.String(FieldRule, name) }

func ScanID(id string) slog.Attr { return slog.String(FieldScanID, id) }

func RunID(id string) slog.Attr { return slog.String(FieldRunID, id) }

func State(s string) slog.Attr { return slog.String(FieldState, s) }

// Index returns an attribute listing the index patterns a query targets.
func Index(patterns []string) slog.Attr { return slog.Any(FieldIndex, patterns) }

func Page(n int) slog.Attr { return slog.Int(FieldPage, n) }

func Count(n int) slog.Attr { return slog.Int(FieldCount, n) }

func Matches(n int) slog.Attr { return slog.Int(FieldMatches, n) }

func Indicators(n int) slog.Attr { return slog.Int(FieldIndicators, n) }

func EventID(id string) slog.Attr { return slog.String(FieldEventID, id) }

// Duration returns an attribute with d expressed in milliseconds.
func Duration(d time.Duration) slog.Attr { return slog.Int64(FieldDuration, d.Milliseconds()) }

// Error returns an attribute for err. A nil error is logged as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func Method(m string) slog.Attr { return slog.String(FieldMethod, m) }

func Path(p string) slog.Attr { return slog.String(FieldPath, p) }

func Status(code int) slog.Attr { return slog.Int(FieldStatus, code) }
