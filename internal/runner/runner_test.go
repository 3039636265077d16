package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/internal/config"
	"github.com/telhawk-systems/threatmatch/internal/ledger"
	"github.com/telhawk-systems/threatmatch/internal/model"
	"github.com/telhawk-systems/threatmatch/internal/report"
	"github.com/telhawk-systems/threatmatch/internal/repository"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testRule() config.RuleConfig {
	return config.RuleConfig{
		Name:        "ti",
		ThreatIndex: []string{"logs-ti_*"},
		EventsIndex: []string{"filebeat-*"},
	}
}

func testSource() *source.Memory {
	src := source.NewMemory()
	src.Add("logs-ti_abuse", model.Document{
		ID: "ind-1",
		Source: map[string]interface{}{
			"@timestamp": testNow.Add(-24 * time.Hour).Format(time.RFC3339),
			"threat": map[string]interface{}{
				"indicator": map[string]interface{}{"type": "ipv4-addr", "ip": "1.2.3.4"},
			},
		},
	})
	src.Add("filebeat-2024.06.01",
		model.Document{ID: "e1", Source: map[string]interface{}{
			"@timestamp": testNow.Add(-10 * time.Minute).Format(time.RFC3339),
			"source":     map[string]interface{}{"ip": "1.2.3.4"},
		}},
		model.Document{ID: "e2", Source: map[string]interface{}{
			"@timestamp": testNow.Add(-5 * time.Minute).Format(time.RFC3339),
			"source":     map[string]interface{}{"ip": "5.6.7.8"},
		}},
	)
	return src
}

type capturePublisher struct {
	mu    sync.Mutex
	calls []*report.ExecutionResult
	err   error
}

func (p *capturePublisher) Publish(ctx context.Context, runID string, er *report.ExecutionResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, er)
	return p.err
}

type fakeLedger struct {
	checkpoint *time.Time
	set        []time.Time
	released   []*report.Alert
}

func (l *fakeLedger) Filter(ctx context.Context, rule string, alerts []*report.Alert) ([]*report.Alert, error) {
	return alerts, nil
}

func (l *fakeLedger) Release(ctx context.Context, rule string, alerts []*report.Alert) error {
	l.released = append(l.released, alerts...)
	return nil
}

func (l *fakeLedger) Checkpoint(ctx context.Context, rule string) (*time.Time, error) {
	return l.checkpoint, nil
}

func (l *fakeLedger) SetCheckpoint(ctx context.Context, rule string, t time.Time) error {
	l.set = append(l.set, t)
	return nil
}

func newTestRunner(src source.Source, opts ...Option) (*Runner, *repository.MemoryRepository) {
	repo := repository.NewMemoryRepository()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New([]config.RuleConfig{testRule()}, src, repo, logging.Discard(), opts...), repo
}

func TestRunner_EndToEnd(t *testing.T) {
	pub := &capturePublisher{}
	r, repo := newTestRunner(testSource(), WithPublisher(pub))

	out, err := r.RunByName(context.Background(), "ti", TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, repository.StatusSucceeded, out.Run.Status)
	assert.Equal(t, "completed", out.Run.State)
	assert.Equal(t, 1, out.Run.IndicatorCount)
	assert.Equal(t, 2, out.Run.EventCount)
	assert.Equal(t, 1, out.Run.MatchCount)
	assert.Equal(t, 1, out.Run.AlertCount)
	assert.Equal(t, TriggerManual, out.Run.Trigger)
	require.NotNil(t, out.Run.FinishedAt)

	require.Len(t, out.Result.Alerts, 1)
	assert.Equal(t, "e1", out.Result.Alerts[0].EventID)
	assert.Equal(t, "high", out.Result.Alerts[0].Severity)
	require.NotNil(t, out.Result.LastLookBackDate)
	assert.Equal(t, testNow.Add(-time.Hour), *out.Result.LastLookBackDate)

	stored, err := repo.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSucceeded, stored.Status)

	require.Len(t, pub.calls, 1)
	assert.Len(t, pub.calls[0].Alerts, 1)
}

func TestRunner_LedgerSuppressesRepeats(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := &capturePublisher{}
	r, _ := newTestRunner(testSource(), WithPublisher(pub), WithLedger(ledger.New(client, true, time.Hour)))

	first, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Run.AlertCount)

	second, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Run.MatchCount)
	assert.Equal(t, 0, second.Run.AlertCount)
	assert.Empty(t, second.Result.Alerts)
	assert.Equal(t, repository.StatusSucceeded, second.Run.Status)
}

func TestRunner_IndicatorFailureRecordsFailedRun(t *testing.T) {
	src := testSource()
	src.FailPage([]string{"logs-ti_*"}, 1, source.ErrSourceUnavailable)
	pub := &capturePublisher{}
	led := &fakeLedger{}
	r, repo := newTestRunner(src, WithPublisher(pub), WithLedger(led))

	out, err := r.RunByName(context.Background(), "ti", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, out.Run.Status)
	assert.Equal(t, "failed", out.Run.State)
	assert.NotEmpty(t, out.Run.Errors)
	assert.Zero(t, out.Run.MatchCount)
	assert.False(t, out.Result.Success)
	assert.Empty(t, led.set, "failed runs must not advance the checkpoint")

	stored, err := repo.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusFailed, stored.Status)
	require.Len(t, pub.calls, 1)
}

func TestRunner_EventPageFailureIsPartial(t *testing.T) {
	src := testSource()
	src.FailPage([]string{"filebeat-*"}, 1, errors.New("shard failure"))
	r, _ := newTestRunner(src)

	out, err := r.RunByName(context.Background(), "ti", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPartial, out.Run.Status)
	assert.NotEmpty(t, out.Run.Warnings)
}

func TestRunner_PublishFailureReleasesAlerts(t *testing.T) {
	pub := &capturePublisher{err: errors.New("nats: connection closed")}
	led := &fakeLedger{}
	r, _ := newTestRunner(testSource(), WithPublisher(pub), WithLedger(led))

	out, err := r.RunByName(context.Background(), "ti", TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPartial, out.Run.Status)
	assert.Contains(t, out.Run.Warnings[len(out.Run.Warnings)-1], "publish-failed")
	assert.Len(t, led.released, 1)
}

func TestRunner_CheckpointAndGapFill(t *testing.T) {
	t.Run("completed run records window end", func(t *testing.T) {
		led := &fakeLedger{}
		r, _ := newTestRunner(testSource(), WithLedger(led))

		_, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{testNow}, led.set)
	})

	t.Run("missed window extends look-back", func(t *testing.T) {
		last := testNow.Add(-3 * time.Hour)
		led := &fakeLedger{checkpoint: &last}
		r, _ := newTestRunner(testSource(), WithLedger(led))

		out, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
		require.NoError(t, err)
		require.NotNil(t, out.Result.LastLookBackDate)
		assert.Equal(t, last, *out.Result.LastLookBackDate)
		assert.Contains(t, out.Result.WarningMessages[0], "gap-detected")
	})

	t.Run("gap fill is bounded", func(t *testing.T) {
		last := testNow.Add(-72 * time.Hour)
		led := &fakeLedger{checkpoint: &last}
		r, _ := newTestRunner(testSource(), WithLedger(led))

		out, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(-time.Hour-MaxGapFill), *out.Result.LastLookBackDate)
	})

	t.Run("recent checkpoint leaves window alone", func(t *testing.T) {
		last := testNow.Add(-5 * time.Minute)
		led := &fakeLedger{checkpoint: &last}
		r, _ := newTestRunner(testSource(), WithLedger(led))

		out, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
		require.NoError(t, err)
		assert.Equal(t, testNow.Add(-time.Hour), *out.Result.LastLookBackDate)
		assert.False(t, out.Result.Warning)
	})
}

// blockingSource holds every fetch until release is closed.
type blockingSource struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	next    source.Source
}

func (b *blockingSource) FetchPage(ctx context.Context, indices []string, q source.Query, cursor source.Cursor) (*source.Page, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.next.FetchPage(ctx, indices, q, cursor)
}

func TestRunner_RejectsOverlappingRuns(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{}), next: testSource()}
	r, _ := newTestRunner(src)

	done := make(chan error, 1)
	go func() {
		_, err := r.RunByName(context.Background(), "ti", TriggerSchedule)
		done <- err
	}()

	<-src.started
	assert.True(t, r.Running("ti"))
	_, err := r.RunByName(context.Background(), "ti", TriggerManual)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(src.release)
	require.NoError(t, <-done)
	assert.False(t, r.Running("ti"))
}

func TestRunner_StartClaimsBeforeReturning(t *testing.T) {
	src := &blockingSource{started: make(chan struct{}), release: make(chan struct{}), next: testSource()}
	r, repo := newTestRunner(src)

	type result struct {
		out *Outcome
		err error
	}
	finished := make(chan result, 1)
	require.NoError(t, r.Start(context.Background(), "ti", TriggerManual, func(out *Outcome, err error) {
		finished <- result{out, err}
	}))

	// No wait for the first fetch: the claim must already be held.
	assert.True(t, r.Running("ti"))
	err := r.Start(context.Background(), "ti", TriggerManual, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(src.release)
	res := <-finished
	require.NoError(t, res.err)
	assert.Equal(t, repository.StatusSucceeded, res.out.Run.Status)
	assert.False(t, r.Running("ti"))

	runs, err := repo.ListRuns(context.Background(), "ti", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunner_StartRejectsUnknownAndDisabledRules(t *testing.T) {
	disabled := testRule()
	disabled.Name = "off"
	disabled.Disabled = true
	r := New([]config.RuleConfig{testRule(), disabled}, testSource(), repository.NewMemoryRepository(), logging.Discard())

	assert.ErrorIs(t, r.Start(context.Background(), "missing", TriggerManual, nil), ErrRuleNotFound)
	assert.ErrorIs(t, r.Start(context.Background(), "off", TriggerManual, nil), ErrRuleDisabled)
	assert.False(t, r.Running("off"))
}

func TestRunner_ExceptionListsReportedAsWarning(t *testing.T) {
	rule := testRule()
	rule.ExceptionLists = []string{"allowlist", "vip-hosts"}
	r := New([]config.RuleConfig{rule}, testSource(), repository.NewMemoryRepository(), logging.Discard(),
		WithClock(func() time.Time { return testNow }))

	out, err := r.RunByName(context.Background(), "ti", TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, repository.StatusPartial, out.Run.Status)
	assert.True(t, out.Result.Warning)
	assert.Contains(t, out.Result.WarningMessages,
		"The following exception lists were not applied to this rule: allowlist, vip-hosts")
	assert.Len(t, out.Result.Alerts, 1, "alerts are still produced")
}

func TestRunner_RuleLookup(t *testing.T) {
	disabled := testRule()
	disabled.Name = "off"
	disabled.Disabled = true
	r := New([]config.RuleConfig{testRule(), disabled}, testSource(), repository.NewMemoryRepository(), logging.Discard())

	_, err := r.RunByName(context.Background(), "missing", TriggerManual)
	assert.ErrorIs(t, err, ErrRuleNotFound)

	_, err = r.RunByName(context.Background(), "off", TriggerManual)
	assert.ErrorIs(t, err, ErrRuleDisabled)

	rules := r.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "off", rules[0].Name)
	assert.Equal(t, config.DefaultConcurrency, rules[1].Concurrency)

	outcomes := r.RunEnabled(context.Background(), TriggerSchedule)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "ti", outcomes[0].Run.Rule)
}

func TestScanConfig(t *testing.T) {
	rule := testRule()
	rule.Lookback = 30 * time.Minute
	rule.IndicatorLookback = 48 * time.Hour
	rule.PageSize = 500
	rule.EventFilters = []source.Filter{{Field: "event.kind", Op: source.OpTerm, Values: []interface{}{"event"}}}
	rule.ApplyDefaults()

	cfg := ScanConfig(rule, "scan-1", testNow)
	assert.Equal(t, "scan-1", cfg.ScanID)
	assert.Equal(t, "ti", cfg.Rule)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 500, cfg.PageSize)
	assert.Equal(t, testNow.Add(-30*time.Minute), cfg.EventQuery.From)
	assert.Equal(t, testNow, cfg.EventQuery.To)
	assert.Equal(t, testNow.Add(-48*time.Hour), cfg.IndicatorQuery.From)
	assert.True(t, cfg.IndicatorQuery.To.IsZero())
	assert.Len(t, cfg.EventQuery.Filters, 1)
	assert.Equal(t, "@timestamp", cfg.EventQuery.TimeField)
}
