package scan

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/threatmatch/internal/indicator"
	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/metrics"
	"github.com/telhawk-systems/threatmatch/internal/model"
)

// workers matches one page of events on at most limit goroutines. keyer
// narrows each event to the indicators sharing a key; matcher decides.
type workers struct {
	keyer   match.Keyer
	fields  []string
	matcher match.Matcher
	index   *indicator.Index
	limit   int
}

type chunkResult struct {
	matches []model.Match
	panic   error
}

// run splits events into at most limit chunks and matches them concurrently.
// Each chunk writes only its own result slot.
func (w *workers) run(ctx context.Context, events []*model.Event) []chunkResult {
	chunks := split(events, w.limit)
	results := make([]chunkResult, len(chunks))

	var g errgroup.Group
	g.SetLimit(w.limit)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			results[i] = w.matchChunk(ctx, chunk)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (w *workers) matchChunk(ctx context.Context, events []*model.Event) (res chunkResult) {
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()
	defer func() {
		if v := recover(); v != nil {
			res.panic = fmt.Errorf("matcher panic: %v", v)
		}
	}()

	for _, ev := range events {
		if ctx.Err() != nil {
			return res
		}
		res.matches = append(res.matches, w.matchEvent(ev)...)
	}
	return res
}

// matchEvent returns one match per indicator that shares a key with ev and
// that the matcher accepts.
func (w *workers) matchEvent(ev *model.Event) []model.Match {
	var (
		order []*model.Indicator
		hits  = make(map[string][]match.Candidate)
	)
	for _, c := range match.Candidates(ev, w.fields) {
		for _, key := range w.keyer.EventKeys(c.Value) {
			for _, ind := range w.index.Lookup(key) {
				k := ind.Key()
				if _, ok := hits[k]; !ok {
					order = append(order, ind)
				}
				hits[k] = append(hits[k], c)
			}
		}
	}

	var out []model.Match
	for _, ind := range order {
		if !w.matcher.Matches(ev, ind) {
			continue
		}
		loc := match.Locate(w.matcher, ind, hits[ind.Key()])
		out = append(out, model.Match{
			EventID:        ev.ID,
			EventIndex:     ev.Index,
			EventTime:      ev.Timestamp,
			IndicatorID:    ind.ID,
			IndicatorIndex: ind.Index,
			IndicatorType:  ind.Type,
			Field:          loc.Field,
			Value:          loc.Value,
		})
	}
	return out
}

// split divides events into at most n contiguous chunks of near-equal size.
func split(events []*model.Event, n int) [][]*model.Event {
	if len(events) == 0 {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	size := (len(events) + n - 1) / n
	chunks := make([][]*model.Event, 0, n)
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		chunks = append(chunks, events[start:end])
	}
	return chunks
}
