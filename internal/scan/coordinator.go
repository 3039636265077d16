package scan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telhawk-systems/threatmatch/internal/indicator"
	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/metrics"
	"github.com/telhawk-systems/threatmatch/internal/model"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

const tracerName = "github.com/telhawk-systems/threatmatch/internal/scan"

// Logger is the logging the coordinator needs. *logging.Logger satisfies it.
type Logger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// Coordinator runs scans. One Coordinator may run many scans concurrently;
// each scan owns its own index and match set.
type Coordinator struct {
	strategy match.Strategy
	matcher  match.Matcher
	decoder  *indicator.Decoder
	logger   Logger
	onState  func(State)
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStateHook calls fn on every state transition of every scan.
func WithStateHook(fn func(State)) Option {
	return func(c *Coordinator) { c.onState = fn }
}

// WithDecoder replaces the indicator decoder built from the strategy's mappings.
func WithDecoder(d *indicator.Decoder) Option {
	return func(c *Coordinator) { c.decoder = d }
}

// WithMatcher replaces the strategy's predicate. The strategy still keys
// indicators and events, so m must accept only pairs sharing a key.
func WithMatcher(m match.Matcher) Option {
	return func(c *Coordinator) { c.matcher = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator builds a coordinator matching with strategy. mappings feed
// the indicator decoder and should be the ones the strategy was built with.
func NewCoordinator(strategy match.Strategy, mappings []match.FieldMapping, logger Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		strategy: strategy,
		matcher:  strategy,
		decoder:  indicator.NewDecoder(mappings),
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scan loads every indicator from cfg.ThreatIndex, then streams cfg.EventsIndex
// and matches each page on a pool of at most cfg.Concurrency tasks.
//
// A failed indicator load returns a Failed result and an error matching
// ErrIndicatorLoad. Event page failures and cancellation during event
// scanning are reported as warnings on a Completed result.
func (c *Coordinator) Scan(ctx context.Context, cfg Config, src source.Source) (*Result, error) {
	cfg = cfg.withDefaults()

	res := &Result{
		ID:        cfg.ScanID,
		Rule:      cfg.Rule,
		State:     NotStarted,
		Matches:   []model.Match{},
		Warnings:  []string{},
		StartedAt: c.now().UTC(),
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		res.State = Failed
		res.FinishedAt = c.now().UTC()
		return res, err
	}

	ctx, span := c.tracer.Start(ctx, "scan.Scan", trace.WithAttributes(
		attribute.String("threatmatch.scan_id", res.ID),
		attribute.String("threatmatch.rule", cfg.Rule),
		attribute.Int("threatmatch.concurrency", cfg.Concurrency),
	))
	defer span.End()

	r := &run{
		coord: c,
		cfg:   cfg,
		res:   res,
		seen:  make(map[string]struct{}),
	}
	err := r.execute(ctx, src)

	res.FinishedAt = c.now().UTC()
	metrics.ScansTotal.WithLabelValues(cfg.Rule, res.State.String()).Inc()
	metrics.ScanDuration.WithLabelValues(cfg.Rule).Observe(res.Duration().Seconds())
	span.SetAttributes(
		attribute.String("threatmatch.state", res.State.String()),
		attribute.Int("threatmatch.matches", len(res.Matches)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// run holds the mutable state of one scan. Only the coordinating goroutine
// writes to it; workers return their matches instead.
type run struct {
	coord *Coordinator
	cfg   Config
	res   *Result
	seen  map[string]struct{}
}

func (r *run) setState(ctx context.Context, s State) {
	r.res.State = s
	if r.coord.onState != nil {
		r.coord.onState(s)
	}
	r.coord.logger.InfoContext(ctx, "scan state changed",
		"scan_id", r.res.ID, "rule", r.cfg.Rule, "state", s.String())
}

func (r *run) warn(ctx context.Context, msg string) {
	r.res.Warnings = append(r.res.Warnings, msg)
	r.coord.logger.ErrorContext(ctx, "scan warning", "scan_id", r.res.ID, "rule", r.cfg.Rule, "warning", msg)
}

func (r *run) execute(ctx context.Context, src source.Source) error {
	r.setState(ctx, LoadingIndicators)

	idx, err := r.loadIndicators(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
			r.res.Cancelled = true
		}
		r.setState(ctx, Failed)
		r.coord.logger.ErrorContext(ctx, "indicator load failed",
			"scan_id", r.res.ID, "rule", r.cfg.Rule, "error", err.Error())
		return &IndicatorLoadError{Err: err}
	}

	r.setState(ctx, ScanningEvents)
	if idx.Len() == 0 {
		r.coord.logger.InfoContext(ctx, "no indicators loaded, skipping event scan",
			"scan_id", r.res.ID, "rule", r.cfg.Rule)
	} else {
		r.scanEvents(ctx, src, idx)
	}

	metrics.MatchesTotal.WithLabelValues(r.cfg.Rule).Add(float64(len(r.res.Matches)))
	r.setState(ctx, Completed)
	r.coord.logger.InfoContext(ctx, "scan completed",
		"scan_id", r.res.ID, "rule", r.cfg.Rule,
		"indicators", r.res.Indicators, "events", r.res.Events,
		"matches", len(r.res.Matches), "warnings", len(r.res.Warnings))
	return nil
}

func (r *run) loadIndicators(ctx context.Context, src source.Source) (*indicator.Index, error) {
	ctx, span := r.coord.tracer.Start(ctx, "scan.LoadIndicators")
	defer span.End()

	q := r.cfg.IndicatorQuery
	if len(q.Includes) == 0 {
		q.Includes = r.coord.decoder.Fields()
	}

	idx, err := indicator.Load(ctx, src, r.coord.decoder, r.coord.strategy, indicator.LoadRequest{
		Indices:       r.cfg.ThreatIndex,
		Query:         q,
		MaxIndicators: r.cfg.MaxIndicators,
		OnPage: func(page, docs int) {
			metrics.PagesFetched.WithLabelValues("indicators").Inc()
			metrics.DocumentsScanned.WithLabelValues("indicators").Add(float64(docs))
			if r.cfg.Verbose {
				r.coord.logger.InfoContext(ctx, "indicator page loaded",
					"scan_id", r.res.ID, "page", page, "count", docs)
			}
		},
	})
	if err != nil {
		metrics.PageFailures.WithLabelValues("indicators").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r.res.Indicators = idx.Len()
	r.res.IndicatorsSkipped = idx.Skipped()
	r.res.IndicatorPages = idx.Pages()
	metrics.IndicatorsLoaded.WithLabelValues(r.cfg.Rule).Set(float64(idx.Len()))
	span.SetAttributes(attribute.Int("threatmatch.indicators", idx.Len()))

	if idx.Truncated() {
		r.res.Truncated = true
		metrics.IndicatorsTruncated.WithLabelValues(r.cfg.Rule).Inc()
		r.warn(ctx, fmt.Sprintf("%s: indicator index capped at %d indicators; matches against the remainder were not evaluated",
			WarningIndicatorsTruncated, r.cfg.MaxIndicators))
	}
	r.coord.logger.InfoContext(ctx, "indicators loaded",
		"scan_id", r.res.ID, "rule", r.cfg.Rule,
		"indicators", idx.Len(), "keys", idx.Keys(), "skipped", idx.Skipped(), "pages", idx.Pages())
	return idx, nil
}

// fetched is one outcome of the event page fetcher.
type fetched struct {
	n    int
	page *source.Page
	err  error
	// resumed is set on errors the stream recovered from.
	resumed bool
}

func (r *run) scanEvents(ctx context.Context, src source.Source, idx *indicator.Index) {
	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()

	// Unbuffered: the fetcher holds at most one page ahead of the matcher.
	pages := make(chan fetched)
	go r.fetchEvents(fetchCtx, src, pages)

	for {
		select {
		case <-ctx.Done():
			r.cancelled(ctx)
			return
		case f, ok := <-pages:
			if !ok {
				if ctx.Err() != nil {
					r.cancelled(ctx)
				}
				return
			}
			if f.err != nil {
				r.res.FailedPages++
				metrics.PageFailures.WithLabelValues("events").Inc()
				outcome := "event stream ended early"
				if f.resumed {
					outcome = "continued with the next page"
				}
				r.warn(ctx, fmt.Sprintf("%s: event page %d: %v; %s", WarningEventPageFailed, f.n, f.err, outcome))
				continue
			}
			r.matchPage(ctx, idx, f.n, f.page)
		}
	}
}

func (r *run) cancelled(ctx context.Context) {
	r.res.Cancelled = true
	r.warn(ctx, fmt.Sprintf("%s: scan stopped after %d event pages; results are partial", WarningCancelled, r.res.EventPages))
}

// fetchEvents walks the event stream and hands pages to the matcher. It stops
// at the end of the stream, on an error it cannot skip, or on cancellation.
func (r *run) fetchEvents(ctx context.Context, src source.Source, out chan<- fetched) {
	defer close(out)

	send := func(f fetched) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	q := r.cfg.EventQuery
	if len(q.AnyExists) == 0 {
		q.AnyExists = r.coord.strategy.Fields()
	}

	var cursor source.Cursor
	for n := 1; ; n++ {
		page, err := src.FetchPage(ctx, r.cfg.EventsIndex, q, cursor)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			resume, ok := source.ResumeCursor(err)
			if !send(fetched{n: n, err: err, resumed: ok}) || !ok {
				return
			}
			cursor = resume
			continue
		}
		metrics.PagesFetched.WithLabelValues("events").Inc()
		metrics.DocumentsScanned.WithLabelValues("events").Add(float64(len(page.Documents)))
		if !send(fetched{n: n, page: page}) || page.Next == nil {
			return
		}
		cursor = page.Next
	}
}

func (r *run) matchPage(ctx context.Context, idx *indicator.Index, n int, page *source.Page) {
	ctx, span := r.coord.tracer.Start(ctx, "scan.MatchPage", trace.WithAttributes(
		attribute.Int("threatmatch.page", n),
		attribute.Int("threatmatch.documents", len(page.Documents)),
	))
	defer span.End()

	events := make([]*model.Event, 0, len(page.Documents))
	for _, doc := range page.Documents {
		events = append(events, model.EventFromDocument(doc, r.cfg.EventQuery.TimeField))
	}
	r.res.EventPages++
	r.res.Events += len(events)

	w := &workers{
		keyer:   r.coord.strategy,
		fields:  r.coord.strategy.Fields(),
		matcher: r.coord.matcher,
		index:   idx,
		limit:   r.cfg.Concurrency,
	}
	results := w.run(ctx, events)

	added := 0
	for _, cr := range results {
		if cr.panic != nil {
			r.warn(ctx, fmt.Sprintf("%s: event page %d: %v", WarningMatcherFailed, n, cr.panic))
		}
		for _, m := range cr.matches {
			key := m.PairKey()
			if _, dup := r.seen[key]; dup {
				continue
			}
			r.seen[key] = struct{}{}
			r.res.Matches = append(r.res.Matches, m)
			added++
			if r.cfg.Verbose {
				r.coord.logger.InfoContext(ctx, "indicator match",
					"scan_id", r.res.ID, "event_id", m.EventID, "indicator_id", m.IndicatorID,
					"field", m.Field, "value", m.Value)
			}
		}
	}
	span.SetAttributes(attribute.Int("threatmatch.matches", added))

	if r.cfg.Verbose {
		r.coord.logger.InfoContext(ctx, "event page scanned",
			"scan_id", r.res.ID, "page", n, "count", len(events), "matches", added)
	}
}
