// Package repository stores the history of rule runs.
package repository

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRunNotFound = errors.New("scan run not found")
	ErrRunExists   = errors.New("scan run already exists")
)

// RunStatus is the outcome of a rule run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusPartial   RunStatus = "partial"
	StatusFailed    RunStatus = "failed"
)

// Run is one execution of a rule.
type Run struct {
	ID             string     `json:"id"`
	Rule           string     `json:"rule"`
	ScanID         string     `json:"scan_id,omitempty"`
	Trigger        string     `json:"trigger,omitempty"`
	Status         RunStatus  `json:"status"`
	State          string     `json:"state,omitempty"`
	IndicatorCount int        `json:"indicator_count"`
	EventCount     int        `json:"event_count"`
	MatchCount     int        `json:"match_count"`
	AlertCount     int        `json:"alert_count"`
	Warnings       []string   `json:"warnings"`
	Errors         []string   `json:"errors"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Repository persists runs.
type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns the newest runs first. An empty rule lists every rule.
	ListRuns(ctx context.Context, rule string, limit int) ([]*Run, error)
	Ping(ctx context.Context) error
	Close()
}

// DefaultListLimit caps ListRuns when limit is not positive.
const DefaultListLimit = 50
