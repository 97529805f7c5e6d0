package metering

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alecgard/warden/internal/reliability"
)

// ExecutionRecord is the persisted history of one logical call.
type ExecutionRecord struct {
	ID            string                      `json:"id"`
	TenantID      string                      `json:"tenant_id"`
	AgentType     string                      `json:"agent_type"`
	Status        string                      `json:"status"`
	ChosenModel   string                      `json:"chosen_model"`
	ErrorKind     string                      `json:"error_kind,omitempty"`
	ErrorMessage  string                      `json:"error_message,omitempty"`
	InputTokens   int64                       `json:"input_tokens"`
	OutputTokens  int64                       `json:"output_tokens"`
	TotalCost     decimal.Decimal             `json:"total_cost"`
	AttemptCount  int                         `json:"attempt_count"`
	ShortCircuits int                         `json:"short_circuits"`
	Attempts      []reliability.AttemptRecord `json:"attempts"`
	DurationMs    int64                       `json:"duration_ms"`
	CreatedAt     time.Time                   `json:"created_at"`
}

// FromResult builds a record from an execution result. Token counts are
// summed over every attempt that reached a provider.
func FromResult(res *reliability.Result) ExecutionRecord {
	rec := ExecutionRecord{
		ID:           uuid.NewString(),
		TenantID:     res.TenantID,
		AgentType:    res.AgentType,
		Status:       string(res.Status),
		ChosenModel:  res.ChosenModel,
		TotalCost:    res.TotalCost,
		AttemptCount: len(res.Attempts),
		Attempts:     res.Attempts,
		DurationMs:   res.DurationMs,
		CreatedAt:    res.StartedAt.UTC(),
	}
	if rec.Attempts == nil {
		rec.Attempts = []reliability.AttemptRecord{}
	}
	for _, a := range res.Attempts {
		if a.ShortCircuited {
			rec.ShortCircuits++
			continue
		}
		rec.InputTokens += a.InputTokens
		rec.OutputTokens += a.OutputTokens
	}
	if res.Err != nil {
		rec.ErrorMessage = res.Err.Error()
	}
	return rec
}

// Summary holds aggregate figures for a set of executions.
type Summary struct {
	TotalExecutions int64           `json:"total_executions"`
	SuccessCount    int64           `json:"success_count"`
	ErrorCount      int64           `json:"error_count"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	TotalTokens     int64           `json:"total_tokens"`
	AvgDurationMs   float64         `json:"avg_duration_ms"`
}

// Query defines filters and pagination for listing executions.
type Query struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Status    string    `json:"status,omitempty"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit"`
}
