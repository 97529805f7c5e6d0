package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/warden/internal/constraints"
)

// AllModelsExhaustedError is returned when every model in the plan failed
// or was short-circuited. Last is the final underlying error.
type AllModelsExhaustedError struct {
	Models   []string
	Attempts []AttemptRecord
	Last     error
}

func (e *AllModelsExhaustedError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("all models exhausted after %d attempts: %v", len(e.Attempts), e.Last)
	}
	return fmt.Sprintf("all models exhausted after %d attempts", len(e.Attempts))
}

func (e *AllModelsExhaustedError) Unwrap() error                   { return e.Last }
func (e *AllModelsExhaustedError) AttemptHistory() []AttemptRecord { return e.Attempts }

// TotalTimeoutError is returned when the execution deadline passes before a
// model succeeds.
type TotalTimeoutError struct {
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts []AttemptRecord
	Err      *constraints.TotalTimeoutError
}

func (e *TotalTimeoutError) Error() string {
	return fmt.Sprintf("total timeout of %s exceeded after %s and %d attempts",
		e.Timeout, e.Elapsed.Round(time.Millisecond), len(e.Attempts))
}

func (e *TotalTimeoutError) Unwrap() error                   { return e.Err }
func (e *TotalTimeoutError) AttemptHistory() []AttemptRecord { return e.Attempts }

// CanceledError is returned when the caller's context ends the execution.
type CanceledError struct {
	Attempts []AttemptRecord
	Err      error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("execution canceled after %d attempts: %v", len(e.Attempts), e.Err)
}

func (e *CanceledError) Unwrap() error                   { return e.Err }
func (e *CanceledError) AttemptHistory() []AttemptRecord { return e.Attempts }

// AttemptsOf returns the attempt history carried by a terminal execution
// error, or nil.
func AttemptsOf(err error) []AttemptRecord {
	var h interface{ AttemptHistory() []AttemptRecord }
	if errors.As(err, &h) {
		return h.AttemptHistory()
	}
	return nil
}
