// Package alert delivers operational events (breaker trips, budget caps) to
// configured sinks. Delivery is fire-and-forget: a failing sink never fails
// the call that raised the event.
package alert

import (
	"context"
	"log/slog"
	"time"
)

// Kind names an alert event.
type Kind string

const (
	KindBreakerOpen   Kind = "breaker_open"
	KindBudgetSoftCap Kind = "budget_soft_cap"
	KindBudgetHardCap Kind = "budget_hard_cap"
	KindBudgetWarning Kind = "budget_warning"
)

// Event is a single alert.
type Event struct {
	Kind    Kind           `json:"event"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload"`
}

// Sink receives alert events.
type Sink interface {
	Notify(ctx context.Context, ev Event)
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, ev Event)

func (f Func) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Multi fans an event out to every sink in order.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, ev)
		}
	}
}

// LogSink writes events to the default slog logger at warn level.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, ev Event) {
	args := make([]any, 0, 2+len(ev.Payload)*2)
	args = append(args, "event", string(ev.Kind))
	for k, v := range ev.Payload {
		args = append(args, k, v)
	}
	slog.Warn("alert", args...)
}

// New builds an Event stamped with the current time.
func New(kind Kind, payload map[string]any) Event {
	return Event{Kind: kind, At: time.Now().UTC(), Payload: payload}
}
