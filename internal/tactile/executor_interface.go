package tactile

import (
	"context"
)

// Executor runs external commands. A non-nil error means the command was
// rejected before it started; everything else is reported in the result.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)
}
