package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alecgard/warden/internal/budget"
	"github.com/alecgard/warden/internal/governor"
	"github.com/alecgard/warden/internal/reliability"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// statusClientClosedRequest is returned when the caller went away before the
// execution finished.
const statusClientClosedRequest = 499

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// execErrorEnvelope is returned for failed executions. It carries the full
// attempt history alongside the error.
type execErrorEnvelope struct {
	Error     errorDetail         `json:"error"`
	Execution *reliability.Result `json:"execution,omitempty"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// execErrorStatus maps an execution error to its HTTP status and code.
func execErrorStatus(err error) (int, string) {
	var (
		exceeded  *budget.ExceededError
		timeout   *reliability.TotalTimeoutError
		canceled  *reliability.CanceledError
		exhausted *reliability.AllModelsExhaustedError
	)
	switch {
	case errors.As(err, &exceeded):
		return http.StatusPaymentRequired, governor.KindBudgetExceeded
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, governor.KindTotalTimeout
	case errors.As(err, &canceled):
		return statusClientClosedRequest, governor.KindCanceled
	case errors.As(err, &exhausted):
		return http.StatusBadGateway, governor.KindExhausted
	case errors.Is(err, governor.ErrUnknownAgent):
		return http.StatusNotFound, "unknown_agent"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeExecError writes a failed execution. res may be nil when the call
// never reached the executor.
func writeExecError(w http.ResponseWriter, err error, res *reliability.Result) {
	status, code := execErrorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("execution failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, execErrorEnvelope{
		Error:     errorDetail{Code: code, Message: msg},
		Execution: res,
	})
}
