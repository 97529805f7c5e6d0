package metering

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Store persists execution records. List returns records newest first and
// the cursor of the next page, which is empty on the last page.
type Store interface {
	BatchInserter
	List(ctx context.Context, q Query) ([]ExecutionRecord, string, error)
	Summary(ctx context.Context, q Query) (*Summary, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs []ExecutionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) BatchInsert(_ context.Context, recs []ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
	return nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]ExecutionRecord, string, error) {
	limit := q.PageSize()

	var after func(ExecutionRecord) bool
	if q.Cursor != "" {
		ts, id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		after = func(r ExecutionRecord) bool {
			return r.CreatedAt.Before(ts) || (r.CreatedAt.Equal(ts) && r.ID < id)
		}
	}

	matched := s.filter(q)
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	out := make([]ExecutionRecord, 0, limit)
	var next string
	for _, r := range matched {
		if after != nil && !after(r) {
			continue
		}
		if len(out) == limit {
			last := out[len(out)-1]
			next = EncodeCursor(last.CreatedAt, last.ID)
			break
		}
		out = append(out, r)
	}
	return out, next, nil
}

func (s *MemoryStore) Summary(_ context.Context, q Query) (*Summary, error) {
	sum := &Summary{TotalCost: decimal.Zero}
	var totalDuration int64
	for _, r := range s.filter(q) {
		sum.TotalExecutions++
		if r.Status == "success" {
			sum.SuccessCount++
		} else {
			sum.ErrorCount++
		}
		sum.TotalCost = sum.TotalCost.Add(r.TotalCost)
		sum.TotalTokens += r.InputTokens + r.OutputTokens
		totalDuration += r.DurationMs
	}
	if sum.TotalExecutions > 0 {
		sum.AvgDurationMs = float64(totalDuration) / float64(sum.TotalExecutions)
	}
	return sum, nil
}

func (s *MemoryStore) filter(q Query) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionRecord
	for _, r := range s.recs {
		if q.TenantID != "" && r.TenantID != q.TenantID {
			continue
		}
		if q.AgentType != "" && r.AgentType != q.AgentType {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if !q.From.IsZero() && r.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.CreatedAt.After(q.To) {
			continue
		}
		out = append(out, r)
	}
	return out
}
