// Package reliability runs a provider call through retries, circuit breakers,
// fallback models and an execution-wide deadline.
package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alecgard/warden/internal/alert"
	"github.com/alecgard/warden/internal/breaker"
	"github.com/alecgard/warden/internal/cache"
	"github.com/alecgard/warden/internal/constraints"
	"github.com/alecgard/warden/internal/pricing"
	"github.com/alecgard/warden/internal/provider"
)

const tracerName = "github.com/alecgard/warden/internal/reliability"

// Attempt outcomes reported to the metrics recorder.
const (
	OutcomeSuccess        = "success"
	OutcomeRetryable      = "retryable_error"
	OutcomeFatal          = "fatal_error"
	OutcomeShortCircuited = "short_circuited"
)

// MetricsRecorder is an optional interface for recording execution metrics.
type MetricsRecorder interface {
	ObserveAttempt(agentType, model, outcome string, seconds float64)
	ObserveRetryDelay(agentType string, seconds float64)
	IncBreakerOpen(agentType, model string)
}

// Executor runs plans against a provider. It is safe for concurrent use;
// all per-execution state lives on the stack of Execute.
type Executor struct {
	invoker provider.Invoker
	store   cache.Store
	prices  *pricing.Table
	alerts  alert.Sink
	metrics MetricsRecorder
	tracer  trace.Tracer
	now     func() time.Time
	sleep   constraints.SleepFunc
}

// NewExecutor creates an executor. store holds breaker state and may be nil
// when no plan uses breakers.
func NewExecutor(invoker provider.Invoker, store cache.Store, prices *pricing.Table, alerts alert.Sink) *Executor {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Executor{
		invoker: invoker,
		store:   store,
		prices:  prices,
		alerts:  alerts,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		sleep:   constraints.Sleep,
	}
}

// SetMetrics sets an optional metrics recorder.
func (e *Executor) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// SetTracerProvider replaces the global provider for this executor's spans.
func (e *Executor) SetTracerProvider(tp trace.TracerProvider) {
	e.tracer = tp.Tracer(tracerName)
}

// SetClock replaces the time source and the backoff sleeper.
func (e *Executor) SetClock(now func() time.Time, sleep constraints.SleepFunc) {
	e.now = now
	e.sleep = sleep
}

// Execute runs req through the plan. The returned Result is never nil and
// carries the full attempt history whether or not an error is returned.
//
// Each model is tried in order. Before every attempt the context and the
// total deadline are checked. An open breaker skips its model with a
// short-circuit record. A retryable failure sleeps and retries the same
// model while the policy allows; a fatal failure or an exhausted retry
// budget moves on to the next model.
func (e *Executor) Execute(ctx context.Context, plan Plan, req provider.Request) (*Result, error) {
	res := &Result{AgentType: plan.AgentType, TenantID: plan.TenantID, StartedAt: e.now()}
	if err := plan.Validate(); err != nil {
		res.Status = StatusError
		res.Err = err
		return res, err
	}

	ctx, span := e.tracer.Start(ctx, "reliability.Execute",
		trace.WithAttributes(
			attribute.String("warden.agent_type", plan.AgentType),
			attribute.String("warden.tenant_id", plan.TenantID),
			attribute.StringSlice("warden.models", plan.Models),
		),
	)
	defer span.End()

	cons := constraints.New(plan.TotalTimeout, constraints.WithClock(e.now))
	breakers := breaker.NewManager(e.store, plan.Breaker, plan.AgentType, plan.TenantID, e.alerts).WithClock(e.now)

	var lastErr error
	for _, model := range plan.Models {
		attemptIndex := 0
		for {
			if err := ctx.Err(); err != nil {
				return e.canceled(span, res, cons, err)
			}
			if err := cons.Enforce(); err != nil {
				return e.timedOut(span, res, cons, err)
			}

			open, err := breakers.IsOpen(ctx, model)
			if err != nil {
				slog.Warn("breaker check failed, treating as closed",
					"agent_type", plan.AgentType, "model", model, "error", err)
			}
			if open {
				openErr := breakers.For(model).OpenError(ctx)
				rec := AttemptRecord{Model: model, StartedAt: e.now(), ShortCircuited: true, Cost: zeroCost}
				rec.setError(openErr)
				res.Attempts = append(res.Attempts, rec)
				e.observeAttempt(plan.AgentType, model, OutcomeShortCircuited, 0)
				slog.Info("model short-circuited", "agent_type", plan.AgentType, "model", model, "tenant_id", plan.TenantID)
				lastErr = openErr
				break
			}

			rec, resp, err := e.attempt(ctx, model, req, attemptIndex)
			res.Attempts = append(res.Attempts, rec)

			if err == nil {
				if err := breakers.RecordSuccess(ctx, model); err != nil {
					slog.Warn("recording breaker success", "model", model, "error", err)
				}
				e.observeAttempt(plan.AgentType, model, OutcomeSuccess, float64(rec.DurationMs)/1000)
				return e.succeeded(span, res, cons, model, resp, rec), nil
			}
			lastErr = err

			// A provider error caused by our own context ending is not a
			// provider failure.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return e.canceled(span, res, cons, ctxErr)
			}

			opened, berr := breakers.RecordFailure(ctx, model)
			if berr != nil {
				slog.Warn("recording breaker failure", "model", model, "error", berr)
			}
			if opened && e.metrics != nil {
				e.metrics.IncBreakerOpen(plan.AgentType, model)
			}

			retryable := plan.Policy.IsRetryable(err)
			outcome := OutcomeFatal
			if retryable {
				outcome = OutcomeRetryable
			}
			e.observeAttempt(plan.AgentType, model, outcome, float64(rec.DurationMs)/1000)

			if !retryable || !plan.Policy.ShouldRetry(attemptIndex) {
				slog.Info("moving to next model",
					"agent_type", plan.AgentType,
					"model", model,
					"attempt", attemptIndex,
					"retryable", retryable,
					"error", err,
				)
				break
			}

			delay := plan.Policy.DelayFor(attemptIndex)
			attemptIndex++
			if e.metrics != nil {
				e.metrics.ObserveRetryDelay(plan.AgentType, delay.Seconds())
			}
			slog.Debug("retrying after backoff", "model", model, "attempt", attemptIndex, "delay", delay.String())
			if err := cons.Sleep(ctx, delay, e.sleep); err != nil {
				var tte *constraints.TotalTimeoutError
				if errors.As(err, &tte) {
					return e.timedOut(span, res, cons, err)
				}
				return e.canceled(span, res, cons, err)
			}
		}
	}

	exhausted := &AllModelsExhaustedError{Models: plan.Models, Attempts: res.Attempts, Last: lastErr}
	e.finish(res, cons, StatusError)
	res.Err = exhausted
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, "all models exhausted")
	slog.Warn("all models exhausted",
		"agent_type", plan.AgentType,
		"tenant_id", plan.TenantID,
		"attempts", len(res.Attempts),
		"error", lastErr,
	)
	return res, exhausted
}

var zeroCost = pricing.Price{}.Cost(0, 0)

// attempt makes one provider call and records it.
func (e *Executor) attempt(ctx context.Context, model string, req provider.Request, index int) (AttemptRecord, *provider.Response, error) {
	ctx, span := e.tracer.Start(ctx, "reliability.Attempt",
		trace.WithAttributes(
			attribute.String("warden.model", model),
			attribute.Int("warden.attempt_index", index),
		),
	)
	defer span.End()

	start := e.now()
	resp, err := e.invoker.Invoke(ctx, model, req)
	rec := AttemptRecord{
		Model:      model,
		StartedAt:  start,
		DurationMs: e.now().Sub(start).Milliseconds(),
		Cost:       zeroCost,
	}
	if resp != nil {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
		rec.Cost = e.prices.Cost(model, resp.InputTokens, resp.OutputTokens)
	}
	if err != nil {
		rec.setError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, rec.ErrorKind)
		return rec, nil, err
	}
	if resp == nil {
		resp = &provider.Response{}
	}
	rec.Success = true
	span.SetAttributes(
		attribute.Int64("warden.input_tokens", rec.InputTokens),
		attribute.Int64("warden.output_tokens", rec.OutputTokens),
	)
	return rec, resp, nil
}

func (e *Executor) observeAttempt(agentType, model, outcome string, seconds float64) {
	if e.metrics != nil {
		e.metrics.ObserveAttempt(agentType, model, outcome, seconds)
	}
}

func (e *Executor) finish(res *Result, cons *constraints.Constraints, status Status) {
	res.Status = status
	res.Duration = cons.Elapsed()
	res.DurationMs = res.Duration.Milliseconds()
	res.TotalCost = sumCost(res.Attempts)
}

func (e *Executor) succeeded(span trace.Span, res *Result, cons *constraints.Constraints, model string, resp *provider.Response, rec AttemptRecord) *Result {
	e.finish(res, cons, StatusSuccess)
	res.ChosenModel = model
	res.Response = resp
	res.InputTokens = rec.InputTokens
	res.OutputTokens = rec.OutputTokens
	res.ChosenCost = rec.Cost
	span.SetAttributes(
		attribute.String("warden.chosen_model", model),
		attribute.Int("warden.attempts", len(res.Attempts)),
	)
	span.SetStatus(codes.Ok, "")
	return res
}

func (e *Executor) canceled(span trace.Span, res *Result, cons *constraints.Constraints, cause error) (*Result, error) {
	e.finish(res, cons, StatusCanceled)
	err := &CanceledError{Attempts: res.Attempts, Err: cause}
	res.Err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, "canceled")
	return res, err
}

func (e *Executor) timedOut(span trace.Span, res *Result, cons *constraints.Constraints, cause error) (*Result, error) {
	e.finish(res, cons, StatusTimeout)
	var tte *constraints.TotalTimeoutError
	if !errors.As(cause, &tte) {
		tte = &constraints.TotalTimeoutError{Timeout: cons.Timeout(), Elapsed: cons.Elapsed()}
	}
	err := &TotalTimeoutError{Timeout: tte.Timeout, Elapsed: tte.Elapsed, Attempts: res.Attempts, Err: tte}
	res.Err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, "total timeout exceeded")
	slog.Warn("total timeout exceeded",
		"agent_type", res.AgentType,
		"tenant_id", res.TenantID,
		"timeout", tte.Timeout.String(),
		"attempts", len(res.Attempts),
	)
	return res, err
}
