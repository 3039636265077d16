package source

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/telhawk-systems/threatmatch/internal/model"
)

// Memory serves documents held in memory, paginated by offset. It backs
// offline scans of NDJSON exports and stands in for a cluster in tests.
type Memory struct {
	mu       sync.Mutex
	indices  map[string][]model.Document
	failures map[string]map[int]error
	fetches  int
}

// NewMemory returns an empty Memory source.
func NewMemory() *Memory {
	return &Memory{
		indices:  make(map[string][]model.Document),
		failures: make(map[string]map[int]error),
	}
}

// Add appends docs to index, stamping each document's Index.
func (m *Memory) Add(index string, docs ...model.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		d.Index = index
		m.indices[index] = append(m.indices[index], d)
	}
}

// FailPage makes the 1-based page of the given index set fail with err.
// The returned PageError carries a resume cursor past the failed page.
func (m *Memory) FailPage(indices []string, page int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.Join(indices, ",")
	if m.failures[key] == nil {
		m.failures[key] = make(map[int]error)
	}
	m.failures[key][page] = err
}

// Fetches reports how many FetchPage calls have been served.
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// FetchPage implements Source. Index patterns support path.Match globs.
func (m *Memory) FetchPage(ctx context.Context, indices []string, q Query, cursor Cursor) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	offset := 0
	if len(cursor) > 0 {
		o, ok := cursor[0].(int)
		if !ok || o < 0 {
			return nil, fmt.Errorf("%w: invalid cursor %v", ErrQuery, []interface{}(cursor))
		}
		offset = o
	}

	m.mu.Lock()
	m.fetches++
	docs := m.selectLocked(indices, q)
	failure := m.failures[strings.Join(indices, ",")][offset/q.PageSize()+1]
	m.mu.Unlock()

	size := q.PageSize()
	end := offset + size
	if end > len(docs) {
		end = len(docs)
	}
	if failure != nil {
		var resume Cursor
		if end < len(docs) {
			resume = Cursor{end}
		}
		return nil, &PageError{Cursor: cursor, Resume: resume, Err: failure}
	}
	if offset >= len(docs) {
		return &Page{}, nil
	}

	page := &Page{Documents: append([]model.Document(nil), docs[offset:end]...)}
	if end < len(docs) {
		page.Next = Cursor{end}
	}
	return page, nil
}

func (m *Memory) selectLocked(patterns []string, q Query) []model.Document {
	names := make([]string, 0, len(m.indices))
	for name := range m.indices {
		names = append(names, name)
	}
	sort.Strings(names)

	timeField := q.TimeField
	if timeField == "" {
		timeField = DefaultTimeField
	}

	var out []model.Document
	for _, name := range names {
		if !matchesAny(patterns, name) {
			continue
		}
		for _, d := range m.indices[name] {
			if !q.From.IsZero() || !q.To.IsZero() {
				ts := model.ParseTime(d.Source, timeField)
				if ts.IsZero() || (!q.From.IsZero() && ts.Before(q.From)) || (!q.To.IsZero() && ts.After(q.To)) {
					continue
				}
			}
			if len(q.AnyExists) > 0 && !hasAnyField(d.Source, q.AnyExists) {
				continue
			}
			if !matchesFilters(d.Source, q.Filters) {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func hasAnyField(doc map[string]interface{}, fields []string) bool {
	for _, f := range fields {
		if len(model.FieldValues(doc, f)) > 0 {
			return true
		}
	}
	return false
}

func matchesFilters(doc map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if matchesFilter(doc, f) == f.Negate {
			return false
		}
	}
	return true
}

func matchesFilter(doc map[string]interface{}, f Filter) bool {
	values := model.FieldValues(doc, f.Field)
	switch f.Op {
	case OpExists:
		return len(values) > 0
	case OpPrefix:
		prefix := fmt.Sprint(f.Values[0])
		for _, v := range values {
			if strings.HasPrefix(v, prefix) {
				return true
			}
		}
	case OpTerm, OpTerms:
		for _, want := range f.Values {
			w := fmt.Sprint(want)
			for _, v := range values {
				if v == w {
					return true
				}
			}
		}
	}
	return false
}

var _ Source = (*Memory)(nil)
