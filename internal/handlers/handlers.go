// Package handlers provides HTTP request handlers for the threatmatch service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/telhawk-systems/threatmatch/common/httputil"
	"github.com/telhawk-systems/threatmatch/common/logging"
	"github.com/telhawk-systems/threatmatch/common/middleware"
	"github.com/telhawk-systems/threatmatch/internal/auth"
	"github.com/telhawk-systems/threatmatch/internal/config"
	"github.com/telhawk-systems/threatmatch/internal/repository"
	"github.com/telhawk-systems/threatmatch/internal/runner"
	"github.com/telhawk-systems/threatmatch/internal/scan"
)

// RuleRunner is the part of the runner the API drives.
type RuleRunner interface {
	Rules() []config.RuleConfig
	Rule(name string) (config.RuleConfig, error)
	Running(rule string) bool
	RunByName(ctx context.Context, name, trigger string) (*runner.Outcome, error)
	Start(ctx context.Context, name, trigger string, done func(*runner.Outcome, error)) error
}

// Checker reports whether a dependency is reachable.
type Checker func(ctx context.Context) error

// Handler serves the threatmatch API.
type Handler struct {
	runner RuleRunner
	repo   repository.Repository
	logger *logging.Logger
	checks map[string]Checker

	// background runs outlive the request that started them
	bg context.Context
	wg sync.WaitGroup
}

// NewHandler creates a Handler. Background runs use ctx.
func NewHandler(ctx context.Context, r RuleRunner, repo repository.Repository, logger *logging.Logger) *Handler {
	return &Handler{
		runner: r,
		repo:   repo,
		logger: logger,
		checks: make(map[string]Checker),
		bg:     ctx,
	}
}

// WithCheck adds a readiness check.
func (h *Handler) WithCheck(name string, check Checker) *Handler {
	h.checks[name] = check
	return h
}

// Wait blocks until background runs have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck handles GET /readyz
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	httputil.WriteJSON(w, status, map[string]interface{}{"status": state, "checks": results})
}

// RuleView is the API representation of a rule.
type RuleView struct {
	Name              string   `json:"name"`
	Enabled           bool     `json:"enabled"`
	Running           bool     `json:"running"`
	ThreatIndex       []string `json:"threat_index"`
	EventsIndex       []string `json:"events_index"`
	Strategy          string   `json:"strategy"`
	Mappings          []string `json:"mappings"`
	Concurrency       int      `json:"concurrency"`
	Lookback          string   `json:"lookback"`
	IndicatorLookback string   `json:"indicator_lookback,omitempty"`
	Timeout           string   `json:"timeout"`
	Severity          string   `json:"severity"`
}

func ruleView(rule config.RuleConfig, running bool) RuleView {
	v := RuleView{
		Name:        rule.Name,
		Enabled:     !rule.Disabled,
		Running:     running,
		ThreatIndex: rule.ThreatIndex,
		EventsIndex: rule.EventsIndex,
		Strategy:    rule.Strategy,
		Concurrency: rule.Concurrency,
		Lookback:    rule.Lookback.String(),
		Timeout:     rule.Timeout.String(),
		Severity:    rule.Severity,
	}
	if rule.IndicatorLookback > 0 {
		v.IndicatorLookback = rule.IndicatorLookback.String()
	}
	for _, m := range rule.Mappings {
		v.Mappings = append(v.Mappings, m.Name)
	}
	return v
}

// ListRules handles GET /api/v1/rules
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.runner.Rules()
	views := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView(rule, h.runner.Running(rule.Name)))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"rules": views})
}

// RunRule handles POST /api/v1/rules/{name}/run. The run happens in the
// background unless ?wait=true is given.
func (h *Handler) RunRule(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	rule, err := h.runner.Rule(name)
	if err != nil {
		h.writeRunError(w, err)
		return
	}
	if rule.Disabled {
		h.writeRunError(w, runner.ErrRuleDisabled)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		out, err := h.runner.RunByName(r.Context(), name, runner.TriggerManual)
		if err != nil {
			h.writeRunError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, out)
		return
	}

	ctx := middleware.WithRequestID(h.bg, middleware.GetRequestID(r.Context()))
	h.wg.Add(1)
	err = h.runner.Start(ctx, name, runner.TriggerManual, func(_ *runner.Outcome, err error) {
		defer h.wg.Done()
		if err != nil {
			h.logger.WithContext(ctx).Error("manual rule run failed", logging.Rule(name), logging.Error(err))
		}
	})
	if err != nil {
		h.wg.Done()
		h.writeRunError(w, err)
		return
	}

	h.logger.WithContext(r.Context()).Info("manual rule run accepted", logging.Rule(name), "user_id", auth.UserID(r.Context()))
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"rule": name, "status": "accepted"})
}

func (h *Handler) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runner.ErrRuleNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrRunInProgress):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrRuleDisabled), errors.Is(err, scan.ErrInvalidConfig):
		httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("rule run failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to run rule")
	}
}

// ListRuns handles GET /api/v1/runs?rule=&limit=
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := httputil.ParseLimit(q.Get("limit"), repository.DefaultListLimit, 500)

	runs, err := h.repo.ListRuns(r.Context(), q.Get("rule"), limit)
	if err != nil {
		h.logger.WithContext(r.Context()).Error("failed to list runs", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := h.repo.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.WithContext(r.Context()).Error("failed to get run", logging.RunID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}
