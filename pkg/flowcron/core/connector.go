package core

import (
	"context"
	"errors"
)

// ErrCancelled is returned by Checkpoint once the step context is done.
var ErrCancelled = errors.New("step cancelled")

// StepConfig is what a connector receives for one step invocation.
type StepConfig struct {
	ExecutionID int64
	NodeID      string
	Type        string
	Attempt     int
	Config      map[string]string
}

// Connector executes a single workflow step. Implementations are owned outside the
// engine and are expected to call Checkpoint between sub-operations.
type Connector interface {
	Execute(ctx context.Context, step StepConfig, input map[string]any) (map[string]any, error)
}

// ConnectorFunc adapts a plain function to Connector.
type ConnectorFunc func(ctx context.Context, step StepConfig, input map[string]any) (map[string]any, error)

func (f ConnectorFunc) Execute(ctx context.Context, step StepConfig, input map[string]any) (map[string]any, error) {
	return f(ctx, step, input)
}

// Checkpoint returns ErrCancelled when the execution was cancelled or timed out.
func Checkpoint(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Join(ErrCancelled, ctx.Err())
	default:
		return nil
	}
}
