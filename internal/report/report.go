// Package report turns scan results into the execution record handed to the
// alerting framework.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/threatmatch/internal/model"
	"github.com/telhawk-systems/threatmatch/internal/scan"
)

// alertNamespace seeds deterministic alert ids.
var alertNamespace = uuid.MustParse("6f1c2a9e-3b7d-4e25-9a51-0c8d7e4f2b13")

// ExecutionResult is the outcome of one rule execution.
type ExecutionResult struct {
	Rule            string   `json:"rule"`
	ScanID          string   `json:"scan_id,omitempty"`
	State           string   `json:"state,omitempty"`
	Success         bool     `json:"success"`
	Warning         bool     `json:"warning"`
	WarningMessages []string `json:"warning_messages"`
	Errors          []string `json:"errors"`

	CreatedAlertsCount int      `json:"created_alerts_count"`
	Alerts             []*Alert `json:"alerts,omitempty"`

	IndicatorCount int   `json:"indicator_count"`
	EventCount     int   `json:"event_count"`
	MatchCount     int   `json:"match_count"`
	DurationMS     int64 `json:"duration_ms"`

	LastLookBackDate *time.Time `json:"last_look_back_date,omitempty"`
}

// NewExecutionResult returns an empty, successful result for rule.
func NewExecutionResult(rule string) *ExecutionResult {
	return &ExecutionResult{
		Rule:            rule,
		Success:         true,
		WarningMessages: []string{},
		Errors:          []string{},
	}
}

// AddWarning records a non-fatal problem.
func (er *ExecutionResult) AddWarning(msg string) {
	er.Warning = true
	er.WarningMessages = append(er.WarningMessages, msg)
}

// AddError records a fatal problem and marks the execution unsuccessful.
func (er *ExecutionResult) AddError(err error) {
	er.Success = false
	er.Errors = append(er.Errors, err.Error())
}

// Alert groups every indicator one event matched.
type Alert struct {
	ID         string         `json:"id"`
	Rule       string         `json:"rule"`
	Severity   string         `json:"severity"`
	SeverityID int            `json:"severity_id"`
	EventID    string         `json:"event_id"`
	EventIndex string         `json:"event_index"`
	EventTime  time.Time      `json:"event_time"`
	Indicators []IndicatorRef `json:"indicators"`
	CreatedAt  time.Time      `json:"created_at"`
}

// IndicatorRef is one indicator an event matched and where it matched.
type IndicatorRef struct {
	ID    string `json:"id"`
	Index string `json:"index"`
	Type  string `json:"type,omitempty"`
	Field string `json:"field"`
	Value string `json:"value"`
}

// AlertID derives a stable alert id so re-reporting the same event for the
// same rule produces the same id.
func AlertID(rule, eventIndex, eventID string) string {
	return uuid.NewSHA1(alertNamespace, []byte(rule+"|"+eventIndex+"/"+eventID)).String()
}

// SeverityID maps a severity name to its OCSF severity_id.
func SeverityID(severity string) int {
	ids := map[string]int{
		"informational": 1,
		"low":           2,
		"medium":        3,
		"high":          4,
		"critical":      5,
	}
	if id, ok := ids[strings.ToLower(severity)]; ok {
		return id
	}
	return 0
}

// Reporter converts scan results for one rule.
type Reporter struct {
	rule     string
	severity string
	now      func() time.Time
}

// NewReporter returns a Reporter stamping alerts with rule and severity.
func NewReporter(rule, severity string) *Reporter {
	if severity == "" {
		severity = "high"
	}
	return &Reporter{rule: rule, severity: severity, now: time.Now}
}

// ToExecutionResult builds a fresh ExecutionResult from res and the error the
// scan returned, if any.
func (rp *Reporter) ToExecutionResult(res *scan.Result, scanErr error) *ExecutionResult {
	return rp.Append(NewExecutionResult(rp.rule), res, scanErr)
}

// Append folds res into an existing ExecutionResult: warnings are appended,
// counts are added and alerts are merged.
func (rp *Reporter) Append(er *ExecutionResult, res *scan.Result, scanErr error) *ExecutionResult {
	if scanErr != nil {
		er.AddError(scanErr)
	}
	if res == nil {
		return er
	}

	er.ScanID = res.ID
	er.State = res.State.String()
	for _, w := range res.Warnings {
		er.AddWarning(w)
	}

	alerts := rp.Alerts(res.Matches)
	er.Alerts = append(er.Alerts, alerts...)
	er.CreatedAlertsCount += len(alerts)
	er.IndicatorCount += res.Indicators
	er.EventCount += res.Events
	er.MatchCount += len(res.Matches)
	er.DurationMS += res.Duration().Milliseconds()
	return er
}

// Alerts groups matches by event, one alert per event, ordered by event time.
func (rp *Reporter) Alerts(matches []model.Match) []*Alert {
	byEvent := make(map[string]*Alert)
	created := rp.now().UTC()
	for _, m := range matches {
		key := m.EventIndex + "/" + m.EventID
		a, ok := byEvent[key]
		if !ok {
			a = &Alert{
				ID:         AlertID(rp.rule, m.EventIndex, m.EventID),
				Rule:       rp.rule,
				Severity:   rp.severity,
				SeverityID: SeverityID(rp.severity),
				EventID:    m.EventID,
				EventIndex: m.EventIndex,
				EventTime:  m.EventTime,
				CreatedAt:  created,
			}
			byEvent[key] = a
		}
		a.Indicators = append(a.Indicators, IndicatorRef{
			ID:    m.IndicatorID,
			Index: m.IndicatorIndex,
			Type:  m.IndicatorType,
			Field: m.Field,
			Value: m.Value,
		})
	}

	alerts := make([]*Alert, 0, len(byEvent))
	for _, a := range byEvent {
		sort.Slice(a.Indicators, func(i, j int) bool {
			if a.Indicators[i].Index != a.Indicators[j].Index {
				return a.Indicators[i].Index < a.Indicators[j].Index
			}
			return a.Indicators[i].ID < a.Indicators[j].ID
		})
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].EventTime.Equal(alerts[j].EventTime) {
			return alerts[i].EventTime.Before(alerts[j].EventTime)
		}
		return alerts[i].EventIndex+"/"+alerts[i].EventID < alerts[j].EventIndex+"/"+alerts[j].EventID
	})
	return alerts
}

// UnprocessedExceptionsWarning describes exception lists the rule could not
// apply. It returns "" when there are none.
func UnprocessedExceptionsWarning(lists []string) string {
	if len(lists) == 0 {
		return ""
	}
	return fmt.Sprintf("The following exception lists were not applied to this rule: %s", strings.Join(lists, ", "))
}
