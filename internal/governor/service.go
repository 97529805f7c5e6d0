package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/metering"
	"github.com/alecgard/warden/internal/provider"
	"github.com/alecgard/warden/internal/reliability"
)

// Error kinds stored on execution records for failures that are not a
// single provider error.
const (
	KindBudgetExceeded = "budget_exceeded"
	KindTotalTimeout   = "total_timeout"
	KindCanceled       = "canceled"
	KindExhausted      = "all_models_exhausted"
)

// ExecuteInput is one logical call. TenantID is used only when
// multi-tenancy is enabled. EstimatedCost and EstimatedTokens are optional
// and feed the budget pre-check.
type ExecuteInput struct {
	AgentType       string
	TenantID        string
	Model           string
	Request         provider.Request
	EstimatedCost   decimal.Decimal
	EstimatedTokens int64
	BudgetOverride  *budget.Override
}

// Recorder receives execution records. *metering.Collector satisfies it.
type Recorder interface {
	Record(rec metering.ExecutionRecord)
}

// MetricsRecorder is an optional interface for recording execution outcomes.
type MetricsRecorder interface {
	ObserveExecution(agentType, status string, seconds float64)
}

// Service executes agent calls.
type Service struct {
	catalog  *Catalog
	executor *reliability.Executor
	tracker  *budget.Tracker
	recorder Recorder
	metrics  MetricsRecorder
}

// NewService creates a service. tracker and recorder may be nil to skip
// budgets or history.
func NewService(catalog *Catalog, executor *reliability.Executor, tracker *budget.Tracker, recorder Recorder) *Service {
	return &Service{
		catalog:  catalog,
		executor: executor,
		tracker:  tracker,
		recorder: recorder,
	}
}

// SetMetrics sets an optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// Tracker returns the budget tracker, or nil.
func (s *Service) Tracker() *budget.Tracker { return s.tracker }

// Execute runs one call. The returned result is non-nil for every call that
// reached the budget check, including failures, and its Err matches the
// returned error. A hard budget block returns a budget_exceeded result with
// no attempts and a *budget.ExceededError.
func (s *Service) Execute(ctx context.Context, in ExecuteInput) (*reliability.Result, error) {
	agent, err := s.catalog.Lookup(in.AgentType)
	if err != nil {
		return nil, err
	}

	tenantID := in.TenantID
	if s.tracker != nil {
		tenantID = s.tracker.Resolver().ResolveTenantID(ctx, in.TenantID)

		_, err := s.tracker.Check(ctx, budget.CheckInput{
			AgentType:      agent.Name,
			TenantID:       tenantID,
			ProposedCost:   in.EstimatedCost,
			ProposedTokens: in.EstimatedTokens,
			Override:       in.BudgetOverride,
		})
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) {
			res := &reliability.Result{
				Status:    reliability.StatusBudgetExceeded,
				AgentType: agent.Name,
				TenantID:  tenantID,
				Attempts:  []reliability.AttemptRecord{},
				StartedAt: time.Now(),
				Err:       err,
			}
			slog.Warn("execution blocked by budget",
				"agent_type", agent.Name, "tenant_id", tenantID, "limit", exceeded.Limit)
			s.complete(res, KindBudgetExceeded)
			return res, err
		}
		if err != nil {
			return nil, fmt.Errorf("checking budget: %w", err)
		}
	}

	res, err := s.executor.Execute(ctx, agent.Plan(tenantID, in.Model), in.Request)
	if res == nil {
		return nil, err
	}

	if res.Status == reliability.StatusSuccess && s.tracker != nil {
		spend := budget.SpendInput{
			AgentType: agent.Name,
			TenantID:  tenantID,
			Cost:      res.ChosenCost,
			Tokens:    res.InputTokens + res.OutputTokens,
		}
		// Spend that fails to record is logged; the call itself succeeded.
		if rerr := s.tracker.RecordSpend(ctx, spend); rerr != nil {
			slog.Error("failed to record spend",
				"agent_type", agent.Name, "tenant_id", tenantID, "error", rerr)
		}
	}

	s.complete(res, errorKind(res))
	return res, err
}

func (s *Service) complete(res *reliability.Result, kind string) {
	if s.recorder != nil {
		rec := metering.FromResult(res)
		rec.ErrorKind = kind
		s.recorder.Record(rec)
	}
	if s.metrics != nil {
		s.metrics.ObserveExecution(res.AgentType, string(res.Status), res.Duration.Seconds())
	}
}

// errorKind names the failure of a finished execution. A run that exhausted
// every model reports the last provider error kind.
func errorKind(res *reliability.Result) string {
	switch res.Status {
	case reliability.StatusSuccess:
		return ""
	case reliability.StatusTimeout:
		return KindTotalTimeout
	case reliability.StatusCanceled:
		return KindCanceled
	case reliability.StatusBudgetExceeded:
		return KindBudgetExceeded
	}
	for i := len(res.Attempts) - 1; i >= 0; i-- {
		if k := res.Attempts[i].ErrorKind; k != "" {
			return k
		}
	}
	return KindExhausted
}
