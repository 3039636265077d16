package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/threatmatch/internal/config"
	"github.com/telhawk-systems/threatmatch/internal/output"
	"github.com/telhawk-systems/threatmatch/internal/report"
	"github.com/telhawk-systems/threatmatch/internal/repository"
	"github.com/telhawk-systems/threatmatch/internal/runner"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

type scanOptions struct {
	rule           string
	threatIndex    []string
	eventsIndex    []string
	indicatorsFile string
	eventsFile     string
	strategy       string
	concurrency    int
	pageSize       int
	maxIndicators  int
	lookback       time.Duration
	verbose        bool
	publish        bool
	format         string
}

func newScanCmd(a *app) *cobra.Command {
	o := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one indicator match scan and print the result",
		Long: `Run one indicator match scan and print the result.

With --indicators-file and --events-file the scan reads NDJSON files instead
of OpenSearch. Each line is either a bare document or a search hit with
_id, _index and _source.`,
		Example: `  # Scan the last hour with the default rule
  threatmatch scan

  # Scan local files and print JSON
  threatmatch scan --indicators-file ti.ndjson --events-file events.ndjson -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.scan(ctx, cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.rule, "rule", "", "configured rule to run (default: first configured rule)")
	f.StringSliceVar(&o.threatIndex, "threat-index", nil, "indicator index patterns")
	f.StringSliceVar(&o.eventsIndex, "events-index", nil, "event index patterns")
	f.StringVar(&o.indicatorsFile, "indicators-file", "", "read indicators from an NDJSON file")
	f.StringVar(&o.eventsFile, "events-file", "", "read events from an NDJSON file")
	f.StringVar(&o.strategy, "strategy", "", "match strategy (exact, case_insensitive, cidr)")
	f.IntVar(&o.concurrency, "concurrency", 0, "maximum concurrent matching tasks")
	f.IntVar(&o.pageSize, "page-size", 0, "documents per page")
	f.IntVar(&o.maxIndicators, "max-indicators", 0, "stop loading indicators after this many")
	f.DurationVar(&o.lookback, "lookback", 0, "event window ending now; negative scans every event")
	f.BoolVar(&o.verbose, "verbose", false, "log every page and match")
	f.BoolVar(&o.publish, "publish", false, "deduplicate and publish alerts as the service would")
	f.StringVarP(&o.format, "output", "o", output.FormatTable, "output format (table, json, yaml)")
	return cmd
}

func (o *scanOptions) offline() bool {
	return o.indicatorsFile != "" || o.eventsFile != ""
}

// buildRule starts from the configured rule and applies flag overrides.
func (o *scanOptions) buildRule(cfg *config.Config) (config.RuleConfig, error) {
	rule := config.DefaultRule()
	switch {
	case o.rule != "":
		r, ok := cfg.Rule(o.rule)
		if !ok {
			return rule, fmt.Errorf("%w: %s", runner.ErrRuleNotFound, o.rule)
		}
		rule = r
	case len(cfg.Rules) > 0:
		rule = cfg.Rules[0]
	}

	if len(o.threatIndex) > 0 {
		rule.ThreatIndex = o.threatIndex
	}
	if len(o.eventsIndex) > 0 {
		rule.EventsIndex = o.eventsIndex
	}
	if o.strategy != "" {
		rule.Strategy = o.strategy
	}
	if o.concurrency > 0 {
		rule.Concurrency = o.concurrency
	}
	if o.pageSize > 0 {
		rule.PageSize = o.pageSize
	}
	if o.maxIndicators > 0 {
		rule.MaxIndicators = o.maxIndicators
	}
	if o.verbose {
		rule.Verbose = true
	}
	switch {
	case o.lookback != 0:
		rule.Lookback = o.lookback
	case o.offline():
		// files are usually older than the default window
		rule.Lookback = -1
	}
	rule.ApplyDefaults()
	return rule, nil
}

// loadFiles reads the NDJSON inputs into a memory source and points rule at
// the indices they were loaded into.
func (o *scanOptions) loadFiles(rule *config.RuleConfig) (*source.Memory, error) {
	if o.indicatorsFile == "" || o.eventsFile == "" {
		return nil, fmt.Errorf("--indicators-file and --events-file must be used together")
	}
	mem := source.NewMemory()

	threatIndices, err := mem.LoadNDJSONFile(o.indicatorsFile, plainIndex(o.threatIndex))
	if err != nil {
		return nil, err
	}
	eventsIndices, err := mem.LoadNDJSONFile(o.eventsFile, plainIndex(o.eventsIndex))
	if err != nil {
		return nil, err
	}

	if len(o.threatIndex) == 0 {
		rule.ThreatIndex = threatIndices
	}
	if len(o.eventsIndex) == 0 {
		rule.EventsIndex = eventsIndices
	}
	if len(rule.ThreatIndex) == 0 || len(rule.EventsIndex) == 0 {
		return nil, fmt.Errorf("indicator and event files must not be empty")
	}
	return mem, nil
}

// plainIndex returns the single explicit pattern when it names one index.
// Otherwise files are loaded under their own name.
func plainIndex(patterns []string) string {
	if len(patterns) == 1 && !strings.ContainsAny(patterns[0], "*?[") {
		return patterns[0]
	}
	return ""
}

func (a *app) scan(ctx context.Context, cmd *cobra.Command, o *scanOptions) error {
	cfg, logger := a.cfg, a.logger

	rule, err := o.buildRule(cfg)
	if err != nil {
		return a.fail("%v", err)
	}

	var src source.Source
	if o.offline() {
		mem, err := o.loadFiles(&rule)
		if err != nil {
			return a.fail("%v", err)
		}
		src = mem
	} else {
		src, _, err = newSource(cfg, logger)
		if err != nil {
			return a.fail("failed to create opensearch client: %v", err)
		}
	}

	var opts []runner.Option
	if o.publish {
		rdb, err := newRedis(cfg)
		if err != nil {
			return a.fail("%v", err)
		}
		if rdb != nil {
			defer rdb.Close()
			opts = append(opts, runner.WithLedger(newLedger(cfg, rdb)))
		}
		pub, nc, err := newPublisher(cfg, logger)
		if err != nil {
			return a.fail("failed to connect to NATS: %v", err)
		}
		if nc != nil {
			defer nc.Close()
			opts = append(opts, runner.WithPublisher(pub))
		}
	}

	repo := repository.NewMemoryRepository()
	r := runner.New([]config.RuleConfig{rule}, src, repo, logger, opts...)
	outcome, err := r.Run(ctx, rule, runner.TriggerCLI)
	if err != nil {
		return a.fail("%v", err)
	}

	handled, err := a.printer.Structured(o.format, outcome)
	if err != nil {
		return a.fail("%v", err)
	}
	if !handled {
		a.printOutcome(outcome)
	}

	if outcome.Run.Status == repository.StatusFailed {
		return fmt.Errorf("scan %s failed", outcome.Run.ScanID)
	}
	return nil
}

func (a *app) printOutcome(o *runner.Outcome) {
	run, er := o.Run, o.Result
	p := a.printer

	summary := output.NewTable([]string{"RULE", "SCAN", "STATE", "STATUS", "INDICATORS", "EVENTS", "MATCHES", "ALERTS", "DURATION"})
	summary.AddRow([]string{
		run.Rule,
		run.ScanID,
		run.State,
		string(run.Status),
		strconv.Itoa(run.IndicatorCount),
		strconv.Itoa(run.EventCount),
		strconv.Itoa(run.MatchCount),
		strconv.Itoa(run.AlertCount),
		(time.Duration(er.DurationMS) * time.Millisecond).String(),
	})
	p.Render(summary)

	for _, w := range er.WarningMessages {
		p.Warn("%s", w)
	}
	for _, e := range er.Errors {
		p.Error("%s", e)
	}

	if len(er.Alerts) == 0 {
		p.Info("No alerts")
		return
	}
	alerts := output.NewTable([]string{"ALERT", "EVENT", "INDEX", "SEVERITY", "MATCHED"})
	for _, al := range er.Alerts {
		alerts.AddRow([]string{al.ID, al.EventID, al.EventIndex, al.Severity, matchedValues(al)})
	}
	p.Render(alerts)
	p.Success("%d alert(s) created", er.CreatedAlertsCount)
}

func matchedValues(al *report.Alert) string {
	parts := make([]string, 0, len(al.Indicators))
	for _, ref := range al.Indicators {
		parts = append(parts, ref.Field+"="+ref.Value)
	}
	return strings.Join(parts, ", ")
}
