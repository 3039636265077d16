package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telhawk-systems/threatmatch/common/messaging"
	"github.com/telhawk-systems/threatmatch/internal/metrics"
)

// ScanResultMessage is published once per rule run.
type ScanResultMessage struct {
	RunID string `json:"run_id"`
	*ExecutionResult
}

// AlertsMessage carries a run's alerts.
type AlertsMessage struct {
	RunID  string   `json:"run_id"`
	Rule   string   `json:"rule"`
	Alerts []*Alert `json:"alerts"`
}

// Publisher hands execution results to the message bus.
type Publisher struct {
	bus messaging.Publisher
}

// NewPublisher creates a Publisher on bus.
func NewPublisher(bus messaging.Publisher) *Publisher {
	return &Publisher{bus: bus}
}

// Publish sends the alerts, when there are any, and then the execution summary.
// The summary omits the alert bodies.
func (p *Publisher) Publish(ctx context.Context, runID string, er *ExecutionResult) error {
	headers := map[string]string{
		messaging.HeaderRule:  er.Rule,
		messaging.HeaderRunID: runID,
	}

	if len(er.Alerts) > 0 {
		msg := AlertsMessage{RunID: runID, Rule: er.Rule, Alerts: er.Alerts}
		if err := p.publish(ctx, messaging.RuleSubject(messaging.SubjectAlertsCreated, er.Rule), headers, msg); err != nil {
			return err
		}
		metrics.AlertsPublished.WithLabelValues(er.Rule).Add(float64(len(er.Alerts)))
	}

	summary := *er
	summary.Alerts = nil
	return p.publish(ctx, messaging.SubjectScanResults, headers, ScanResultMessage{RunID: runID, ExecutionResult: &summary})
}

func (p *Publisher) publish(ctx context.Context, subject string, headers map[string]string, data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msg := &messaging.Message{Subject: subject, Data: bytes, Metadata: headers, Timestamp: time.Now().UTC()}
	if err := p.bus.PublishMsg(ctx, msg); err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
