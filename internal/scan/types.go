// Package scan correlates event documents against threat indicators.
package scan

import (
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/threatmatch/internal/model"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

// DefaultConcurrency bounds matching tasks when Config.Concurrency is unset.
const DefaultConcurrency = 8

var (
	// ErrIndicatorLoad is matched by every failure to build the indicator index.
	ErrIndicatorLoad = errors.New("indicator load failed")

	// ErrCancelled marks a scan stopped by its context.
	ErrCancelled = errors.New("scan cancelled")

	// ErrInvalidConfig is returned before any I/O when Config is unusable.
	ErrInvalidConfig = errors.New("invalid scan config")
)

// IndicatorLoadError aborts a scan: scanning events against a partial index
// would report a clean result that is silently incomplete.
type IndicatorLoadError struct {
	Err error
}

func (e *IndicatorLoadError) Error() string { return "indicator load failed: " + e.Err.Error() }

func (e *IndicatorLoadError) Unwrap() error { return e.Err }

func (e *IndicatorLoadError) Is(target error) bool { return target == ErrIndicatorLoad }

// State is the lifecycle of a single scan.
type State int32

const (
	NotStarted State = iota
	LoadingIndicators
	ScanningEvents
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case LoadingIndicators:
		return "loading_indicators"
	case ScanningEvents:
		return "scanning_events"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Config describes one scan. It is not modified by the coordinator.
type Config struct {
	// ScanID is copied to the result. A random id is used when empty.
	ScanID string
	Rule   string

	ThreatIndex []string
	EventsIndex []string

	// Concurrency caps simultaneous matching tasks. Defaults to DefaultConcurrency.
	Concurrency int
	// Verbose logs every page and match.
	Verbose bool

	// PageSize applies to both streams unless their query sets Size.
	PageSize int
	// MaxIndicators caps the index. Zero means unbounded.
	MaxIndicators int

	IndicatorQuery source.Query
	EventQuery     source.Query
}

// Validate checks the config without touching the backend.
func (c Config) Validate() error {
	if len(c.ThreatIndex) == 0 {
		return fmt.Errorf("%w: threat index is required", ErrInvalidConfig)
	}
	if len(c.EventsIndex) == 0 {
		return fmt.Errorf("%w: events index is required", ErrInvalidConfig)
	}
	for _, patterns := range [][]string{c.ThreatIndex, c.EventsIndex} {
		for _, p := range patterns {
			if p == "" {
				return fmt.Errorf("%w: empty index pattern", ErrInvalidConfig)
			}
		}
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxIndicators < 0 {
		return fmt.Errorf("%w: max indicators must not be negative", ErrInvalidConfig)
	}
	if err := c.IndicatorQuery.Validate(); err != nil {
		return fmt.Errorf("%w: indicator query: %v", ErrInvalidConfig, err)
	}
	if err := c.EventQuery.Validate(); err != nil {
		return fmt.Errorf("%w: event query: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.IndicatorQuery.Size == 0 {
		c.IndicatorQuery.Size = c.PageSize
	}
	if c.EventQuery.Size == 0 {
		c.EventQuery.Size = c.PageSize
	}
	if c.EventQuery.TimeField == "" {
		c.EventQuery.TimeField = source.DefaultTimeField
	}
	return c
}

// Result is everything a scan found. Matches holds no duplicate
// (event, indicator) pairs; their order is unspecified.
type Result struct {
	ID       string        `json:"id"`
	Rule     string        `json:"rule,omitempty"`
	State    State         `json:"state"`
	Matches  []model.Match `json:"matches"`
	Warnings []string      `json:"warnings"`

	Indicators        int `json:"indicators"`
	IndicatorsSkipped int `json:"indicators_skipped"`
	IndicatorPages    int `json:"indicator_pages"`
	Events            int `json:"events"`
	EventPages        int `json:"event_pages"`
	FailedPages       int `json:"failed_pages"`

	Truncated bool `json:"truncated"`
	Cancelled bool `json:"cancelled"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time the scan took.
func (r *Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Warning prefixes, stable for callers that filter on them.
const (
	WarningIndicatorsTruncated = "indicators-truncated"
	WarningEventPageFailed     = "event-page-failed"
	WarningCancelled           = "cancelled"
	WarningMatcherFailed       = "matcher-failed"
)
