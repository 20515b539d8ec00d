package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/RealZimboGuy/flowcron/internal/repository"
)

type Kind string

const (
	KindTransientInfrastructure Kind = "TransientInfrastructure"
	KindValidation              Kind = "Validation"
	KindStepExecution           Kind = "StepExecution"
	KindTimeout                 Kind = "Timeout"
	KindLockContention          Kind = "LockContention"
)

var (
	// ErrDuplicateFire means the firing was already enqueued. Evaluators treat it as success.
	ErrDuplicateFire = errors.New("duplicate fire")
	ErrNotFound      = repository.ErrNotFound
	// ErrClaimLost means another worker took over the queue item.
	ErrClaimLost = repository.ErrNotOwner
	// ErrInvalidState is returned when an operation does not apply to the current status.
	ErrInvalidState = errors.New("invalid state")
)

// EngineError carries a failure kind through the engine so it can be persisted with the outcome.
type EngineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *EngineError {
	return &EngineError{Kind: kind, Op: op, Err: err}
}

func validationError(op string, format string, args ...any) *EngineError {
	return newError(KindValidation, op, fmt.Errorf(format, args...))
}

// Classify returns the failure kind of err. Deadline errors without a kind are timeouts,
// anything else without a kind (including cancellation) is a step execution failure.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindStepExecution
}
