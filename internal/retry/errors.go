package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the closed classification of provider failures.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindRateLimit     ErrorKind = "rate_limit"
	KindServer        ErrorKind = "server"
	KindBadRequest    ErrorKind = "bad_request"
	KindAuth          ErrorKind = "auth"
	KindNotFound      ErrorKind = "not_found"
	KindContentFilter ErrorKind = "content_filter"
	KindUnknown       ErrorKind = "unknown"
)

// Retryable reports whether the kind is retried without any configuration.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit, KindServer:
		return true
	}
	return false
}

// Fatal reports whether the kind is never retried, whatever the policy says.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindBadRequest, KindAuth, KindNotFound, KindContentFilter:
		return true
	}
	return false
}

// ProviderError is the error shape returned by provider invokers.
type ProviderError struct {
	Kind       ErrorKind
	Class      string // provider-specific error class, matched by retry_on
	Message    string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code from a provider to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 408:
		return KindTimeout
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 400 || status == 413 || status == 422:
		return KindBadRequest
	case status >= 500:
		return KindServer
	}
	return KindUnknown
}

// Classify returns the kind of err. Provider errors carry their own kind;
// transport errors are recognised from the standard library types.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	return KindUnknown
}

// ClassOf returns the provider error class of err, or "" when it has none.
func ClassOf(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ""
}
