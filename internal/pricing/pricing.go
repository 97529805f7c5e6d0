// Package pricing converts token counts into cost using per-model prices.
package pricing

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// Price is the cost of one million input and output tokens.
type Price struct {
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// Cost returns the cost of the given token counts at this price.
func (p Price) Cost(inputTokens, outputTokens int64) decimal.Decimal {
	in := p.InputPerMillion.Mul(decimal.NewFromInt(inputTokens))
	out := p.OutputPerMillion.Mul(decimal.NewFromInt(outputTokens))
	return in.Add(out).Div(million)
}

// Table is an immutable model price list. Models without a price cost zero;
// each such model is logged once.
type Table struct {
	prices map[string]Price

	mu     sync.Mutex
	warned map[string]struct{}
}

// NewTable builds a table from float prices per million tokens.
func NewTable(perMillion map[string][2]float64) *Table {
	t := &Table{prices: make(map[string]Price, len(perMillion)), warned: make(map[string]struct{})}
	for model, p := range perMillion {
		t.prices[model] = Price{
			InputPerMillion:  decimal.NewFromFloat(p[0]),
			OutputPerMillion: decimal.NewFromFloat(p[1]),
		}
	}
	return t
}

// PriceFor returns the price of model.
func (t *Table) PriceFor(model string) (Price, bool) {
	if t == nil {
		return Price{}, false
	}
	p, ok := t.prices[model]
	return p, ok
}

// Cost returns the cost of a call to model.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	p, ok := t.PriceFor(model)
	if !ok {
		if inputTokens+outputTokens > 0 {
			t.warnOnce(model)
		}
		return decimal.Zero
	}
	return p.Cost(inputTokens, outputTokens)
}

func (t *Table) warnOnce(model string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	_, seen := t.warned[model]
	t.warned[model] = struct{}{}
	t.mu.Unlock()
	if !seen {
		slog.Warn("no price configured for model, cost recorded as zero", "model", model)
	}
}
