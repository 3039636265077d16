package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/threatmatch/internal/match"
	"github.com/telhawk-systems/threatmatch/internal/source"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("THREATMATCH_CONFIG_DIR", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout)

	assert.Equal(t, []string{"https://localhost:9200"}, cfg.OpenSearch.Addresses())
	assert.Equal(t, "_id", cfg.OpenSearch.Tiebreaker)
	assert.Equal(t, uint64(3), cfg.OpenSearch.Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.OpenSearch.Retry.InitialInterval)

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.TTL)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Interval)

	require.Len(t, cfg.Rules, 1)
	rule := cfg.Rules[0]
	assert.Equal(t, DefaultRuleName, rule.Name)
	assert.Equal(t, []string{"logs-ti_*"}, rule.ThreatIndex)
	assert.Equal(t, []string{"filebeat-*"}, rule.EventsIndex)
	assert.Equal(t, 8, rule.Concurrency)
	assert.False(t, rule.Verbose)
	assert.Equal(t, match.KindExact, rule.Strategy)
	assert.Equal(t, match.DefaultMappings(), rule.Mappings)
	assert.Equal(t, "high", rule.Severity)
	assert.Equal(t, source.DefaultTimeField, rule.TimeField)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9191
opensearch:
  url: https://os-1:9200, https://os-2:9200
database:
  type: postgres
  postgres:
    host: db
    port: 5433
    user: tm
    password: "p@ss"
    database: runs
    sslmode: require
rules:
  - name: ip-only
    threat_index: [logs-ti_abuse*]
    events_index: [logs-network*, filebeat-*]
    strategy: cidr
    concurrency: 4
    lookback: 15m
    severity: critical
    exception_lists: [allowlist]
    mappings:
      - name: ip
        indicator_types: [ipv4-addr]
        indicator_fields: [threat.indicator.ip]
        event_fields: [source.ip, destination.ip]
    event_filters:
      - field: event.kind
        op: term
        values: [event]
  - name: disabled-rule
    disabled: true
    threat_index: [ti]
    events_index: [ev]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, []string{"https://os-1:9200", "https://os-2:9200"}, cfg.OpenSearch.Addresses())
	assert.Equal(t, "postgres://tm:p%40ss@db:5433/runs?sslmode=require", cfg.Database.Postgres.ConnString())

	require.Len(t, cfg.Rules, 2)
	rule, ok := cfg.Rule("ip-only")
	require.True(t, ok)
	assert.Equal(t, match.KindCIDR, rule.Strategy)
	assert.Equal(t, 4, rule.Concurrency)
	assert.Equal(t, 15*time.Minute, rule.Lookback)
	assert.Equal(t, "critical", rule.Severity)
	assert.Equal(t, []string{"allowlist"}, rule.ExceptionLists)
	require.Len(t, rule.Mappings, 1)
	assert.Equal(t, []string{"source.ip", "destination.ip"}, rule.Mappings[0].EventFields)
	require.Len(t, rule.EventFilters, 1)
	assert.Equal(t, source.OpTerm, rule.EventFilters[0].Op)

	disabled, ok := cfg.Rule("disabled-rule")
	require.True(t, ok)
	assert.True(t, disabled.Disabled)
	assert.Equal(t, DefaultConcurrency, disabled.Concurrency)

	_, ok = cfg.Rule("missing")
	assert.False(t, ok)
}

func TestLoad_ConfigDir(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	t.Setenv("THREATMATCH_CONFIG_DIR", filepath.Dir(path))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("THREATMATCH_CONFIG_DIR", "")
	t.Setenv("THREATMATCH_SERVER_PORT", "7000")
	t.Setenv("THREATMATCH_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("THREATMATCH_REDIS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "unknown strategy",
			content: "rules:\n  - name: r\n    threat_index: [a]\n    events_index: [b]\n    strategy: regex\n",
		},
		{
			name:    "missing events index",
			content: "rules:\n  - name: r\n    threat_index: [a]\n",
		},
		{
			name:    "duplicate names",
			content: "rules:\n  - name: r\n    threat_index: [a]\n    events_index: [b]\n  - name: r\n    threat_index: [a]\n    events_index: [b]\n",
		},
		{
			name:    "bad filter",
			content: "rules:\n  - name: r\n    threat_index: [a]\n    events_index: [b]\n    event_filters:\n      - field: x\n        op: like\n",
		},
		{
			name:    "unknown database",
			content: "database:\n  type: sqlite\n",
		},
		{
			name:    "bad cron",
			content: "scheduler:\n  cron: every minute\n",
		},
		{
			name:    "zero interval",
			content: "scheduler:\n  interval: 0s\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_SchedulerCron(t *testing.T) {
	cfg, err := Load(writeConfig(t, "scheduler:\n  cron: \"*/10 * * * *\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * *", cfg.Scheduler.Cron)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
