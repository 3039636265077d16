// Package runner executes configured rules: scan, report, deduplicate,
// publish and record the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/internal/config"
	"github.com/telhawk-systems/threatmatch/internal/indicator"
	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/metrics"
	"github.com/telhawk-systems/threatmatch/internal/report"
	"github.com/telhawk-systems/threatmatch/internal/repository"
	"github.com/telhawk-systems/threatmatch/internal/scan"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

var (
	ErrRunInProgress = errors.New("rule is already running")
	ErrRuleNotFound  = errors.New("rule not found")
	ErrRuleDisabled  = errors.New("rule is disabled")
)

// Run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

// MaxGapFill bounds how far back a missed window is re-scanned.
const MaxGapFill = 24 * time.Hour

// Ledger suppresses alerts already reported by an earlier run.
type Ledger interface {
	Filter(ctx context.Context, rule string, alerts []*report.Alert) ([]*report.Alert, error)
	Release(ctx context.Context, rule string, alerts []*report.Alert) error
	Checkpoint(ctx context.Context, rule string) (*time.Time, error)
	SetCheckpoint(ctx context.Context, rule string, t time.Time) error
}

// Publisher delivers execution results.
type Publisher interface {
	Publish(ctx context.Context, runID string, er *report.ExecutionResult) error
}

// Outcome is a finished run and the execution result it produced.
type Outcome struct {
	Run    *repository.Run         `json:"run"`
	Result *report.ExecutionResult `json:"result"`
}

// Runner runs rules against one source. Different rules may run
// concurrently; a rule never overlaps itself.
type Runner struct {
	rules     []config.RuleConfig
	source    source.Source
	repo      repository.Repository
	ledger    Ledger
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLedger enables cross-run alert suppression.
func WithLedger(l Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithPublisher delivers results after every run.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner for rules. Defaults are applied to every rule.
func New(rules []config.RuleConfig, src source.Source, repo repository.Repository, logger *logging.Logger, opts ...Option) *Runner {
	r := &Runner{
		source:  src,
		repo:    repo,
		logger:  logger,
		now:     time.Now,
		running: make(map[string]bool),
	}
	for _, rule := range rules {
		rule.ApplyDefaults()
		r.rules = append(r.rules, rule)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rules returns the configured rules sorted by name.
func (r *Runner) Rules() []config.RuleConfig {
	out := append([]config.RuleConfig{}, r.rules...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Rule returns the rule named name.
func (r *Runner) Rule(name string) (config.RuleConfig, error) {
	for _, rule := range r.rules {
		if rule.Name == name {
			return rule, nil
		}
	}
	return config.RuleConfig{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
}

// Running reports whether rule currently has a run in flight.
func (r *Runner) Running(rule string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[rule]
}

// RunByName runs the configured rule named name. Disabled rules are rejected.
func (r *Runner) RunByName(ctx context.Context, name, trigger string) (*Outcome, error) {
	rule, err := r.Rule(name)
	if err != nil {
		return nil, err
	}
	if rule.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrRuleDisabled, name)
	}
	return r.Run(ctx, rule, trigger)
}

// RunEnabled runs every enabled rule one after another and returns the
// outcomes of the runs that started.
func (r *Runner) RunEnabled(ctx context.Context, trigger string) []*Outcome {
	var outcomes []*Outcome
	for _, rule := range r.Rules() {
		if rule.Disabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		out, err := r.Run(ctx, rule, trigger)
		if err != nil {
			r.logger.WarnContext(ctx, "rule run skipped", logging.Rule(rule.Name), logging.Error(err))
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (r *Runner) claim(rule string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[rule] {
		return false
	}
	r.running[rule] = true
	return true
}

func (r *Runner) release(rule string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, rule)
}

// Run executes rule once. A failed scan is not an error: it is recorded on
// the returned run with status failed. Errors are returned only when the run
// could not start or could not be recorded.
func (r *Runner) Run(ctx context.Context, rule config.RuleConfig, trigger string) (*Outcome, error) {
	rule, strategy, err := prepare(rule)
	if err != nil {
		return nil, err
	}
	if err := r.claimRun(rule.Name); err != nil {
		return nil, err
	}
	defer r.release(rule.Name)
	return r.execute(ctx, rule, strategy, trigger)
}

// Start claims the configured rule named name and runs it in the background.
// The claim is taken before Start returns, so a second Start for the same rule
// fails with ErrRunInProgress until the first run ends. done, when set, is
// called with the run's result.
func (r *Runner) Start(ctx context.Context, name, trigger string, done func(*Outcome, error)) error {
	rule, err := r.Rule(name)
	if err != nil {
		return err
	}
	if rule.Disabled {
		return fmt.Errorf("%w: %s", ErrRuleDisabled, name)
	}
	rule, strategy, err := prepare(rule)
	if err != nil {
		return err
	}
	if err := r.claimRun(rule.Name); err != nil {
		return err
	}
	go func() {
		out, err := r.execute(ctx, rule, strategy, trigger)
		r.release(rule.Name)
		if done != nil {
			done(out, err)
		}
	}()
	return nil
}

func prepare(rule config.RuleConfig) (config.RuleConfig, match.Strategy, error) {
	rule.ApplyDefaults()
	if err := rule.Validate(); err != nil {
		return rule, nil, fmt.Errorf("%w: %v", scan.ErrInvalidConfig, err)
	}
	strategy, err := match.New(rule.Strategy, rule.Mappings)
	if err != nil {
		return rule, nil, fmt.Errorf("%w: %v", scan.ErrInvalidConfig, err)
	}
	return rule, strategy, nil
}

func (r *Runner) claimRun(rule string) error {
	if !r.claim(rule) {
		metrics.RunsRejected.WithLabelValues(rule).Inc()
		return fmt.Errorf("%w: %s", ErrRunInProgress, rule)
	}
	return nil
}

// execute runs a claimed rule.
func (r *Runner) execute(ctx context.Context, rule config.RuleConfig, strategy match.Strategy, trigger string) (*Outcome, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	now := r.now().UTC()
	run := &repository.Run{
		ID:        id.String(),
		Rule:      rule.Name,
		ScanID:    id.String(),
		Trigger:   trigger,
		Status:    repository.StatusRunning,
		StartedAt: now,
		Warnings:  []string{},
		Errors:    []string{},
	}
	if err := r.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	logger := r.logger.With(logging.Rule(rule.Name), logging.RunID(run.ID))
	logger.InfoContext(ctx, "rule run started", "trigger", trigger)

	cfg := ScanConfig(rule, run.ID, now)
	var gapWarning string
	if from, warning := r.fillGap(ctx, logger, rule, cfg.EventQuery.From); !from.Equal(cfg.EventQuery.From) {
		cfg.EventQuery.From = from
		gapWarning = warning
	}

	decoder := indicator.NewDecoder(rule.Mappings)
	decoder.TimeField = rule.TimeField
	coord := scan.NewCoordinator(strategy, rule.Mappings, logger, scan.WithDecoder(decoder))

	scanCtx, cancel := context.WithTimeout(ctx, rule.Timeout)
	res, scanErr := coord.Scan(scanCtx, cfg, r.source)
	cancel()

	er := report.NewReporter(rule.Name, rule.Severity).ToExecutionResult(res, scanErr)
	if gapWarning != "" {
		er.AddWarning(gapWarning)
	}
	if w := report.UnprocessedExceptionsWarning(rule.ExceptionLists); w != "" {
		er.AddWarning(w)
	}
	if !cfg.EventQuery.From.IsZero() {
		from := cfg.EventQuery.From
		er.LastLookBackDate = &from
	}

	// Delivery and bookkeeping still happen when the caller's context ended.
	bg := context.WithoutCancel(ctx)
	r.deliver(bg, logger, run.ID, er)

	completed := scanErr == nil && res != nil && !res.Cancelled
	if completed && r.ledger != nil {
		if err := r.ledger.SetCheckpoint(bg, rule.Name, cfg.EventQuery.To); err != nil {
			logger.WarnContext(ctx, "failed to record checkpoint", logging.Error(err))
		}
	}

	finishRun(run, res, er, scanErr, r.now().UTC())
	if err := r.repo.FinishRun(bg, run); err != nil {
		return &Outcome{Run: run, Result: er}, fmt.Errorf("failed to record run outcome: %w", err)
	}
	metrics.RunsTotal.WithLabelValues(rule.Name, string(run.Status)).Inc()

	logger.InfoContext(ctx, "rule run finished",
		logging.State(run.State),
		"status", string(run.Status),
		logging.Matches(run.MatchCount),
		"alerts", run.AlertCount,
		logging.Duration(run.FinishedAt.Sub(run.StartedAt)),
	)
	return &Outcome{Run: run, Result: er}, nil
}

// fillGap extends from back to the end of the last completed window when runs
// were missed, bounded by MaxGapFill.
func (r *Runner) fillGap(ctx context.Context, logger *logging.Logger, rule config.RuleConfig, from time.Time) (time.Time, string) {
	if r.ledger == nil || from.IsZero() {
		return from, ""
	}
	last, err := r.ledger.Checkpoint(ctx, rule.Name)
	if err != nil {
		logger.WarnContext(ctx, "failed to read checkpoint", logging.Error(err))
		return from, ""
	}
	if last == nil || !last.Before(from) {
		return from, ""
	}
	gap := from.Sub(*last)
	start := *last
	if gap > MaxGapFill {
		start = from.Add(-MaxGapFill)
	}
	return start, fmt.Sprintf("gap-detected: %s of events after the last completed window were not scanned; look-back extended to %s",
		gap.Round(time.Second), start.Format(time.RFC3339))
}

// deliver drops alerts reported by earlier runs and publishes the rest.
func (r *Runner) deliver(ctx context.Context, logger *logging.Logger, runID string, er *report.ExecutionResult) {
	if r.ledger != nil && len(er.Alerts) > 0 {
		fresh, err := r.ledger.Filter(ctx, er.Rule, er.Alerts)
		if err != nil {
			logger.WarnContext(ctx, "alert ledger unavailable, reporting all alerts", logging.Error(err))
		}
		er.Alerts = fresh
		er.CreatedAlertsCount = len(fresh)
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, runID, er); err != nil {
		logger.ErrorContext(ctx, "failed to publish results", logging.Error(err))
		er.AddWarning(fmt.Sprintf("publish-failed: %v", err))
		if r.ledger != nil {
			if err := r.ledger.Release(ctx, er.Rule, er.Alerts); err != nil {
				logger.WarnContext(ctx, "failed to release unpublished alerts", logging.Error(err))
			}
		}
	}
}

// ScanConfig builds the scan for rule with its event window ending at now.
func ScanConfig(rule config.RuleConfig, scanID string, now time.Time) scan.Config {
	cfg := scan.Config{
		ScanID:        scanID,
		Rule:          rule.Name,
		ThreatIndex:   rule.ThreatIndex,
		EventsIndex:   rule.EventsIndex,
		Concurrency:   rule.Concurrency,
		Verbose:       rule.Verbose,
		PageSize:      rule.PageSize,
		MaxIndicators: rule.MaxIndicators,
		IndicatorQuery: source.Query{
			Filters:   rule.IndicatorFilters,
			TimeField: rule.TimeField,
		},
		EventQuery: source.Query{
			Filters:   rule.EventFilters,
			TimeField: rule.TimeField,
			To:        now,
		},
	}
	if rule.Lookback > 0 {
		cfg.EventQuery.From = now.Add(-rule.Lookback)
	}
	if rule.IndicatorLookback > 0 {
		cfg.IndicatorQuery.From = now.Add(-rule.IndicatorLookback)
	}
	return cfg
}

func finishRun(run *repository.Run, res *scan.Result, er *report.ExecutionResult, scanErr error, at time.Time) {
	run.FinishedAt = &at
	run.Warnings = append([]string{}, er.WarningMessages...)
	run.Errors = append([]string{}, er.Errors...)
	run.IndicatorCount = er.IndicatorCount
	run.EventCount = er.EventCount
	run.MatchCount = er.MatchCount
	run.AlertCount = er.CreatedAlertsCount
	if res != nil {
		run.ScanID = res.ID
		run.State = res.State.String()
	}

	switch {
	case scanErr != nil || (res != nil && res.State == scan.Failed):
		run.Status = repository.StatusFailed
	case er.Warning:
		run.Status = repository.StatusPartial
	default:
		run.Status = repository.StatusSucceeded
	}
}
