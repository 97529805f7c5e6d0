package reliability

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/breaker"
	"github.com/alecgard/warden/internal/provider"
	"github.com/alecgard/warden/internal/retry"
)

// Status is the outcome of an execution.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusError          Status = "error"
	StatusTimeout        Status = "timeout"
	StatusCanceled       Status = "canceled"
	StatusBudgetExceeded Status = "budget_exceeded"
)

// AttemptRecord describes one try against one model. Short-circuited
// attempts never reached the provider and carry no tokens or cost.
type AttemptRecord struct {
	Model          string          `json:"model"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMs     int64           `json:"duration_ms"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	Cost           decimal.Decimal `json:"cost"`
	Success        bool            `json:"success"`
	ShortCircuited bool            `json:"short_circuited"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	ErrorClass     string          `json:"error_class,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

func (a *AttemptRecord) setError(err error) {
	var coe *breaker.CircuitOpenError
	if errors.As(err, &coe) {
		a.ErrorKind = "circuit_open"
	} else {
		a.ErrorKind = string(retry.Classify(err))
		a.ErrorClass = retry.ClassOf(err)
	}
	a.ErrorMessage = err.Error()
}

// Result is the full record of an execution, returned on success and
// failure alike.
type Result struct {
	Status       Status             `json:"status"`
	AgentType    string             `json:"agent_type"`
	TenantID     string             `json:"tenant_id,omitempty"`
	ChosenModel  string             `json:"chosen_model,omitempty"`
	Response     *provider.Response `json:"response,omitempty"`
	Attempts     []AttemptRecord    `json:"attempts"`
	InputTokens  int64              `json:"input_tokens"`
	OutputTokens int64              `json:"output_tokens"`
	ChosenCost   decimal.Decimal    `json:"chosen_cost"`
	TotalCost    decimal.Decimal    `json:"total_cost"`
	StartedAt    time.Time          `json:"started_at"`
	Duration     time.Duration      `json:"-"`
	DurationMs   int64              `json:"duration_ms"`
	Err          error              `json:"-"`
}

// TotalTokens sums tokens across every attempt that reached a provider.
func (r *Result) TotalTokens() int64 {
	var n int64
	for _, a := range r.Attempts {
		if !a.ShortCircuited {
			n += a.InputTokens + a.OutputTokens
		}
	}
	return n
}

// sumCost totals cost over attempts that reached a provider, each priced at
// its own model's rate.
func sumCost(attempts []AttemptRecord) decimal.Decimal {
	total := decimal.Zero
	for _, a := range attempts {
		if a.ShortCircuited {
			continue
		}
		total = total.Add(a.Cost)
	}
	return total
}
