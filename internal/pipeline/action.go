package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/relaydeploy/relay/internal/models"
)

// ActionContext is everything an external collaborator gets to see. Inputs is
// an immutable copy of upstream stage outputs; there is no shared mutable
// environment between stages.
type ActionContext struct {
	RunID   uuid.UUID
	Stage   string
	Trigger models.Trigger
	Inputs  map[string]string
}

// ActionResult is the normalized outcome of a collaborator invocation. The
// orchestrator stores Outputs verbatim and feeds them to dependent stages;
// Logs are opaque and only surfaced to operators.
type ActionResult struct {
	Outputs map[string]string
	Logs    string
}

// Action is the uniform interface to an external collaborator (scanner,
// linter, test runner, image builder, deploy API). A non-nil error means the
// stage failed.
type Action interface {
	Execute(ctx context.Context, ac ActionContext) (ActionResult, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, ac ActionContext) (ActionResult, error)

func (f ActionFunc) Execute(ctx context.Context, ac ActionContext) (ActionResult, error) {
	return f(ctx, ac)
}
