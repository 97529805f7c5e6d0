// Package retry decides whether a failed provider call is retried and how long
// to wait before the next attempt.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"time"
)

// Backoff selects the delay curve between attempts.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffExponential Backoff = "exponential"
)

// defaultPatterns match transient failures reported only through the message.
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rate limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)timed? ?out`),
	regexp.MustCompile(`(?i)temporarily unavailable`),
	regexp.MustCompile(`(?i)service unavailable`),
	regexp.MustCompile(`(?i)overloaded`),
	regexp.MustCompile(`(?i)connection (reset|refused)`),
	regexp.MustCompile(`(?i)bad gateway`),
	regexp.MustCompile(`\b50[234]\b`),
}

// PolicyConfig is the unvalidated input to NewPolicy.
type PolicyConfig struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RetryOn     []string
	Patterns    []string
	Predicate   func(error) bool
}

// Policy is an immutable retry policy.
type Policy struct {
	maxAttempts int
	backoff     Backoff
	baseDelay   time.Duration
	maxDelay    time.Duration
	retryOn     map[string]struct{}
	patterns    []*regexp.Regexp
	predicate   func(error) bool
	random      func() float64
}

// NewPolicy validates cfg and compiles its patterns.
func NewPolicy(cfg PolicyConfig) (Policy, error) {
	if cfg.MaxAttempts < 0 {
		return Policy{}, fmt.Errorf("max attempts must not be negative, got %d", cfg.MaxAttempts)
	}
	switch cfg.Backoff {
	case "":
		cfg.Backoff = BackoffExponential
	case BackoffConstant, BackoffExponential:
	default:
		return Policy{}, fmt.Errorf("unknown backoff %q", cfg.Backoff)
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 {
		return Policy{}, errors.New("delays must not be negative")
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return Policy{}, fmt.Errorf("max delay %v is below base delay %v", cfg.MaxDelay, cfg.BaseDelay)
	}

	p := Policy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		retryOn:     make(map[string]struct{}, len(cfg.RetryOn)),
		patterns:    append([]*regexp.Regexp(nil), defaultPatterns...),
		predicate:   cfg.Predicate,
		random:      rand.Float64,
	}
	for _, c := range cfg.RetryOn {
		p.retryOn[c] = struct{}{}
	}
	for _, expr := range cfg.Patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Policy{}, fmt.Errorf("compiling retry pattern %q: %w", expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// WithRandom returns a copy of p that draws jitter from random, which must
// return values in [0, 1).
func (p Policy) WithRandom(random func() float64) Policy {
	p.random = random
	return p
}

func (p Policy) MaxAttempts() int         { return p.maxAttempts }
func (p Policy) BaseDelay() time.Duration { return p.baseDelay }
func (p Policy) MaxDelay() time.Duration  { return p.maxDelay }

// ShouldRetry reports whether another attempt on the same model is allowed
// after attempt attemptIndex (zero-based) failed. maxAttempts counts retries,
// so zero means the first failure is final.
func ShouldRetry(attemptIndex, maxAttempts int) bool {
	return attemptIndex < maxAttempts
}

// ShouldRetry applies the package-level rule with the policy's limit.
func (p Policy) ShouldRetry(attemptIndex int) bool {
	return ShouldRetry(attemptIndex, p.maxAttempts)
}

// DelayFor returns the wait before the retry that follows attempt
// attemptIndex. The cap is applied before jitter, and jitter never exceeds
// half of the base delay or half of the capped delay.
func (p Policy) DelayFor(attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}

	var delay time.Duration
	switch p.backoff {
	case BackoffConstant:
		delay = p.baseDelay
	default:
		factor := math.Pow(2, float64(attemptIndex))
		scaled := float64(p.baseDelay) * factor
		if scaled >= float64(p.maxDelay) || math.IsInf(scaled, 1) {
			delay = p.maxDelay
		} else {
			delay = time.Duration(scaled)
		}
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	jitterCap := p.baseDelay
	if delay < jitterCap {
		jitterCap = delay
	}
	random := p.random
	if random == nil {
		random = rand.Float64
	}
	jitter := time.Duration(random() * 0.5 * float64(jitterCap))
	return delay + jitter
}

// IsRetryable reports whether err may be retried. Fatal kinds are never
// retried. Otherwise the error is retryable when its kind is retryable by
// default, its class or kind is named in retry_on, its message matches a
// pattern, or the predicate accepts it.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	kind := Classify(err)
	if kind.Fatal() {
		return false
	}
	if kind.Retryable() {
		return true
	}
	if len(p.retryOn) > 0 {
		if _, ok := p.retryOn[string(kind)]; ok && kind != KindUnknown {
			return true
		}
		if class := ClassOf(err); class != "" {
			if _, ok := p.retryOn[class]; ok {
				return true
			}
		}
	}
	msg := err.Error()
	for _, re := range p.patterns {
		if re.MatchString(msg) {
			return true
		}
	}
	if p.predicate != nil && p.predicate(err) {
		return true
	}
	return false
}
