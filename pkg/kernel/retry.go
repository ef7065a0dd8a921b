package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/caravel/pkg/registry"
	"github.com/harun/caravel/pkg/telemetry"
)

// invoke runs a handler once, converting a panic into an error so a
// misbehaving tool cannot take down the kernel.
func invoke(ctx context.Context, tool *registry.ToolDefinition, params map[string]interface{}) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return tool.Handler(ctx, params)
}

// executeWithRetry invokes the handler up to maxRetries times with a
// fixed delay between attempts. Only handler errors trigger a retry; a
// handler returning a well-formed failure Result comes back with a nil
// error and is never retried. The delay honors ctx cancellation.
func (k *Kernel) executeWithRetry(ctx context.Context, tool *registry.ToolDefinition, params map[string]interface{}) (interface{}, int, error) {
	var lastErr error

	for attempt := 1; attempt <= k.maxRetries; attempt++ {
		value, err := invoke(ctx, tool, params)
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err

		k.logger.Warn().
			Str("tool", tool.Name).
			Int("attempt", attempt).
			Int("max_retries", k.maxRetries).
			Err(err).
			Msg("Step attempt failed")

		k.sink.Track(telemetry.Event{
			Type:     telemetry.EventRetry,
			Tool:     tool.Name,
			Error:    err.Error(),
			Metadata: map[string]interface{}{"attempt": attempt},
		})
		if k.metrics != nil {
			k.metrics.StepRetriesTotal.WithLabelValues(tool.Name).Inc()
		}

		if attempt < k.maxRetries {
			select {
			case <-time.After(k.retryDelay):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}
	}

	return nil, k.maxRetries, fmt.Errorf("handler failed after %d attempts: %w", k.maxRetries, lastErr)
}
