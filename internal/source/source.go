// Package source retrieves paginated document batches from a search backend.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

var (
	// ErrSourceUnavailable means the backend could not be reached or refused
	// the request for capacity reasons. Retrying the same page may succeed.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrQuery means the backend rejected the query. Retrying will not help.
	ErrQuery = errors.New("query error")
)

// DefaultPageSize is used when a Query does not set Size.
const DefaultPageSize = 1000

// MaxPageSize is the largest page a single request may ask for.
const MaxPageSize = 10000

// Cursor is an opaque search-after position. A nil Cursor starts from the beginning.
type Cursor []interface{}

// Page is one batch of documents plus the cursor for the next batch.
// Next is nil once the stream is exhausted.
type Page struct {
	Documents []model.Document
	Next      Cursor
}

// FilterOp is a field-level filter operator.
type FilterOp string

const (
	OpTerm   FilterOp = "term"
	OpTerms  FilterOp = "terms"
	OpExists FilterOp = "exists"
	OpPrefix FilterOp = "prefix"
)

// Filter restricts documents on one field.
type Filter struct {
	Field  string        `mapstructure:"field" json:"field" yaml:"field"`
	Op     FilterOp      `mapstructure:"op" json:"op" yaml:"op"`
	Values []interface{} `mapstructure:"values" json:"values,omitempty" yaml:"values,omitempty"`
	Negate bool          `mapstructure:"negate" json:"negate,omitempty" yaml:"negate,omitempty"`
}

// Validate checks the filter is well formed.
func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter field is required")
	}
	switch f.Op {
	case OpExists:
		return nil
	case OpTerm, OpPrefix:
		if len(f.Values) != 1 {
			return fmt.Errorf("filter %s on %s requires exactly one value", f.Op, f.Field)
		}
	case OpTerms:
		if len(f.Values) == 0 {
			return fmt.Errorf("filter terms on %s requires values", f.Field)
		}
	default:
		return fmt.Errorf("unsupported filter op %q on %s", f.Op, f.Field)
	}
	return nil
}

// Query describes which documents a page request selects.
type Query struct {
	Filters []Filter

	// AnyExists keeps only documents having at least one of these fields.
	AnyExists []string

	// TimeField orders the stream and bounds it with From/To. Zero bounds are open.
	TimeField string
	From      time.Time
	To        time.Time

	// Includes limits the returned _source fields. Empty returns everything.
	Includes []string

	Size int
}

// PageSize returns Size clamped to (0, MaxPageSize], defaulting to DefaultPageSize.
func (q Query) PageSize() int {
	switch {
	case q.Size <= 0:
		return DefaultPageSize
	case q.Size > MaxPageSize:
		return MaxPageSize
	default:
		return q.Size
	}
}

// Validate checks every filter in the query.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrQuery, err)
		}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return fmt.Errorf("%w: time range ends before it starts", ErrQuery)
	}
	return nil
}

// Source fetches pages of documents. Implementations must be safe for
// concurrent use with independent cursors.
type Source interface {
	FetchPage(ctx context.Context, indices []string, q Query, cursor Cursor) (*Page, error)
}

// PageError reports a failed page fetch. Resume, when set, is a cursor from
// which the stream can continue past the failed page.
type PageError struct {
	Cursor Cursor
	Resume Cursor
	Err    error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("fetch page after %v: %v", []interface{}(e.Cursor), e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// ResumeCursor returns the resume cursor carried by err, if any.
func ResumeCursor(err error) (Cursor, bool) {
	var pe *PageError
	if errors.As(err, &pe) && pe.Resume != nil {
		return pe.Resume, true
	}
	return nil, false
}
