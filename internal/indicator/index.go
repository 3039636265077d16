package indicator

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/model"
)

const falsePositiveRate = 0.01

// Index maps lookup keys to indicators. It is read-only once built and safe
// to share between goroutines.
type Index struct {
	byKey     map[string][]*model.Indicator
	filter    *bloom.BloomFilter
	size      int
	skipped   int
	pages     int
	truncated bool
}

// Lookup returns the indicators stored under key, or nil.
func (ix *Index) Lookup(key string) []*model.Indicator {
	if ix == nil || ix.size == 0 {
		return nil
	}
	if !ix.filter.TestString(key) {
		return nil
	}
	return ix.byKey[key]
}

// Len is the number of distinct indicators held.
func (ix *Index) Len() int { return ix.size }

// Keys is the number of distinct lookup keys.
func (ix *Index) Keys() int { return len(ix.byKey) }

// Skipped counts indicator documents dropped for lacking a usable value.
func (ix *Index) Skipped() int { return ix.skipped }

// Pages counts the indicator pages read while loading.
func (ix *Index) Pages() int { return ix.pages }

// Truncated reports whether the indicator cap was hit.
func (ix *Index) Truncated() bool { return ix.truncated }

// Builder accumulates indicators. Not safe for concurrent use.
type Builder struct {
	keyer     match.Keyer
	max       int
	seen      map[string]struct{}
	byKey     map[string][]*model.Indicator
	skipped   int
	truncated bool
}

// NewBuilder returns a Builder keying indicators with keyer. maxIndicators <= 0
// means unbounded.
func NewBuilder(keyer match.Keyer, maxIndicators int) *Builder {
	return &Builder{
		keyer: keyer,
		max:   maxIndicators,
		seen:  make(map[string]struct{}),
		byKey: make(map[string][]*model.Indicator),
	}
}

// Add stores ind. It returns false once the cap is reached and ind was dropped.
// Duplicates of an already stored indicator are ignored.
func (b *Builder) Add(ind *model.Indicator) bool {
	if _, dup := b.seen[ind.Key()]; dup {
		return true
	}
	keys := b.keyer.IndicatorKeys(ind)
	if len(keys) == 0 {
		b.skipped++
		return true
	}
	if b.max > 0 && len(b.seen) >= b.max {
		b.truncated = true
		return false
	}

	b.seen[ind.Key()] = struct{}{}
	for _, k := range dedupe(keys) {
		b.byKey[k] = append(b.byKey[k], ind)
	}
	return true
}

// Skip records a document that could not be decoded into an indicator.
func (b *Builder) Skip() { b.skipped++ }

// Len is the number of indicators stored so far.
func (b *Builder) Len() int { return len(b.seen) }

// Build freezes the builder into an Index.
func (b *Builder) Build() *Index {
	n := uint(len(b.byKey))
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, falsePositiveRate)
	for k := range b.byKey {
		filter.AddString(k)
	}
	return &Index{
		byKey:     b.byKey,
		filter:    filter,
		size:      len(b.seen),
		skipped:   b.skipped,
		truncated: b.truncated,
	}
}

// Build indexes indicators in one step.
func Build(keyer match.Keyer, maxIndicators int, indicators ...*model.Indicator) *Index {
	b := NewBuilder(keyer, maxIndicators)
	for _, ind := range indicators {
		if !b.Add(ind) {
			break
		}
	}
	return b.Build()
}

func dedupe(keys []string) []string {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
