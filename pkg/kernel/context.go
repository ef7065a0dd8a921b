package kernel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/caravel/pkg/policy"
	"github.com/harun/caravel/pkg/telemetry"
)

type stepContextKey struct{}

// StepContext is the per-step execution context handed to handlers: a
// logger scoped to the step, the shared telemetry sink, and the
// policy-enforced configuration for this tool.
type StepContext struct {
	Tool      string
	SessionID string
	Logger    zerolog.Logger
	Sink      *telemetry.Sink
	Config    policy.GenerationConfig
}

// WithStepContext attaches a step context to ctx
func WithStepContext(ctx context.Context, sc *StepContext) context.Context {
	return context.WithValue(ctx, stepContextKey{}, sc)
}

// StepContextFrom extracts the step context, or nil when absent
func StepContextFrom(ctx context.Context) *StepContext {
	sc, _ := ctx.Value(stepContextKey{}).(*StepContext)
	return sc
}
