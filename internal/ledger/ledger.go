// Package ledger remembers which alerts a rule has already reported so that
// overlapping look-back windows do not raise the same alert twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/threatmatch/internal/metrics"
	"github.com/telhawk-systems/threatmatch/internal/report"
)

// DefaultTTL is how long a reported alert suppresses repeats.
const DefaultTTL = 24 * time.Hour

// Ledger records reported alert ids in Redis.
type Ledger struct {
	redis   *redis.Client
	enabled bool
	ttl     time.Duration
}

// New creates a Ledger. A nil client or enabled=false turns every call into a
// pass-through.
func New(client *redis.Client, enabled bool, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{redis: client, enabled: enabled, ttl: ttl}
}

// IsEnabled reports whether alerts are being deduplicated.
func (l *Ledger) IsEnabled() bool {
	return l != nil && l.enabled && l.redis != nil
}

func alertKey(rule, alertID string) string {
	return fmt.Sprintf("threatmatch:alert:%s:%s", rule, alertID)
}

func checkpointKey(rule string) string {
	return fmt.Sprintf("threatmatch:checkpoint:%s", rule)
}

// Filter claims each alert for rule and returns the ones not seen before.
// On a Redis failure every alert is returned together with the error.
func (l *Ledger) Filter(ctx context.Context, rule string, alerts []*report.Alert) ([]*report.Alert, error) {
	if !l.IsEnabled() || len(alerts) == 0 {
		return alerts, nil
	}

	pipe := l.redis.Pipeline()
	cmds := make([]*redis.BoolCmd, len(alerts))
	for i, a := range alerts {
		cmds[i] = pipe.SetNX(ctx, alertKey(rule, a.ID), a.CreatedAt.Unix(), l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return alerts, fmt.Errorf("failed to claim alerts: %w", err)
	}

	fresh := make([]*report.Alert, 0, len(alerts))
	for i, cmd := range cmds {
		if cmd.Val() {
			fresh = append(fresh, alerts[i])
		}
	}
	if suppressed := len(alerts) - len(fresh); suppressed > 0 {
		metrics.AlertsSuppressed.WithLabelValues(rule).Add(float64(suppressed))
	}
	return fresh, nil
}

// Release forgets alerts so a later run reports them again. Used when an
// alert was claimed but could not be delivered.
func (l *Ledger) Release(ctx context.Context, rule string, alerts []*report.Alert) error {
	if !l.IsEnabled() || len(alerts) == 0 {
		return nil
	}
	keys := make([]string, len(alerts))
	for i, a := range alerts {
		keys[i] = alertKey(rule, a.ID)
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to release alerts: %w", err)
	}
	return nil
}

// Checkpoint returns the end of the last completed look-back window for rule,
// or nil when none was recorded.
func (l *Ledger) Checkpoint(ctx context.Context, rule string) (*time.Time, error) {
	if !l.IsEnabled() {
		return nil, nil
	}
	val, err := l.redis.Get(ctx, checkpointKey(rule)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return &t, nil
}

// SetCheckpoint records the end of a completed look-back window.
func (l *Ledger) SetCheckpoint(ctx context.Context, rule string, t time.Time) error {
	if !l.IsEnabled() {
		return nil
	}
	if err := l.redis.Set(ctx, checkpointKey(rule), t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}
