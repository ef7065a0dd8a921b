// Package kernel is the execution core: it resolves a requested tool into
// an ordered plan, gates each step against policy, executes with bounded
// retries, persists per-session progress, and records telemetry.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/caravel/internal/metrics"
	"github.com/harun/caravel/pkg/planner"
	"github.com/harun/caravel/pkg/policy"
	"github.com/harun/caravel/pkg/registry"
	"github.com/harun/caravel/pkg/session"
	"github.com/harun/caravel/pkg/telemetry"
)

// Defaults for the step retry policy. The delay is fixed, not
// exponential; AI-generation retries keep their own backoff.
const (
	DefaultMaxRetries = 2
	DefaultRetryDelay = 1 * time.Second
)

// Config wires a Kernel. Everything is passed explicitly; the kernel
// holds no module-level state.
type Config struct {
	Registry   *registry.Registry
	Store      session.Store
	Engine     *policy.Engine
	Policies   []policy.ActivePolicy
	Provider   *policy.Provider
	Sink       *telemetry.Sink
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
	BaseConfig policy.GenerationConfig
	MaxRetries int
	RetryDelay time.Duration
}

// Kernel orchestrates tool execution
type Kernel struct {
	registry   *registry.Registry
	store      session.Store
	engine     *policy.Engine
	policies   []policy.ActivePolicy
	provider   *policy.Provider
	sink       *telemetry.Sink
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	baseConfig policy.GenerationConfig
	maxRetries int
	retryDelay time.Duration
}

// New creates a Kernel from its collaborators
func New(cfg Config) (*Kernel, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NewSink(0)
	}
	if cfg.Engine == nil {
		cfg.Engine = policy.NewEngine()
	}
	if cfg.Provider == nil {
		provider, err := policy.NewProvider("")
		if err != nil {
			return nil, err
		}
		cfg.Provider = provider
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Kernel{
		registry:   cfg.Registry,
		store:      cfg.Store,
		engine:     cfg.Engine,
		policies:   cfg.Policies,
		provider:   cfg.Provider,
		sink:       cfg.Sink,
		metrics:    cfg.Metrics,
		logger:     logger.With().Str("component", "kernel").Logger(),
		baseConfig: cfg.BaseConfig,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Execute runs a tool request through the fast path when it is eligible,
// otherwise through the full planned path. It never panics to the
// caller: any escaped error becomes a failure Result and an error event.
func (k *Kernel) Execute(ctx context.Context, req Request) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			k.logger.Error().Str("tool", req.Tool).Interface("panic", r).Msg("Execution panicked")
			result = failureResult(CodeInternal, "internal error: %v", r)
			k.trackError(req.Tool, result.Error)
		}
	}()

	tool := k.registry.Get(req.Tool)
	if tool == nil {
		result = failureResult(CodeNotFound, "tool not found: %s", req.Tool)
		k.trackError(req.Tool, result.Error)
		return result
	}

	if k.fastPathEligible(tool) {
		result = k.executeFast(ctx, tool, req)
		k.observe(tool.Name, "fast", result, time.Since(start))
		return result
	}

	result = k.executePlanned(ctx, tool, req)
	k.observe(tool.Name, "planned", result, time.Since(start))
	return result
}

// fastPathEligible: no declared dependencies, not forced through
// orchestration, and no active rule with a condition matching the tool
// name carries a block or require_approval action.
func (k *Kernel) fastPathEligible(tool *registry.ToolDefinition) bool {
	if len(tool.Requires) > 0 || tool.ForceOrchestration {
		return false
	}

	doc := k.provider.Document()
	for _, res := range policy.Matched(policy.Apply(doc, tool.Name)) {
		rule := findRule(doc, res.RuleID)
		if rule != nil && rule.Blocks() {
			return false
		}
	}

	return true
}

func findRule(doc *policy.Document, id string) *policy.Rule {
	if doc == nil {
		return nil
	}
	for i := range doc.Rules {
		if doc.Rules[i].ID == id {
			return &doc.Rules[i]
		}
	}
	return nil
}

// executeFast calls the handler directly, skipping planning and policy
// evaluation. Session state is still recorded under the same field names
// as the planned path so the two are indistinguishable afterwards.
func (k *Kernel) executeFast(ctx context.Context, tool *registry.ToolDefinition, req Request) Result {
	if err := k.registry.ValidateParams(tool.Name, req.Params); err != nil {
		return failureResult(CodeValidation, "%v", err)
	}

	sc := &StepContext{
		Tool:      tool.Name,
		SessionID: req.SessionID,
		Logger:    k.logger.With().Str("tool", tool.Name).Logger(),
		Sink:      k.sink,
		Config:    k.baseConfig,
	}

	start := time.Now()
	value, err := invoke(WithStepContext(ctx, sc), tool, req.Params)
	if err != nil {
		k.trackError(tool.Name, err.Error())
		return failureResult(CodeHandlerFailure, "%v", err)
	}
	if res, ok := value.(Result); ok && !res.Success {
		k.trackError(tool.Name, res.Error)
		return res
	}

	k.sink.Track(telemetry.Event{
		Type:     telemetry.EventExecution,
		Tool:     tool.Name,
		Duration: time.Since(start),
	})

	if req.SessionID != "" {
		k.recordStep(ctx, req.SessionID, tool, value)
	}

	return successResult(value)
}

// executePlanned runs the full orchestration path
func (k *Kernel) executePlanned(ctx context.Context, tool *registry.ToolDefinition, req Request) Result {
	state, result := k.loadSession(ctx, req)
	if result != nil {
		return *result
	}

	plan, err := planner.BuildPlan(k.registry, tool.Name, state.Completed())
	if err != nil {
		switch {
		case errors.Is(err, planner.ErrToolNotFound):
			return failureResult(CodeNotFound, "%v", err)
		case errors.Is(err, planner.ErrCyclicDependency):
			return failureResult(CodeInternal, "%v", err)
		default:
			return failureResult(CodeInternal, "planning failed: %v", err)
		}
	}

	if k.metrics != nil {
		k.metrics.PlanSteps.WithLabelValues(tool.Name).Observe(float64(len(plan.Remaining)))
	}

	k.logger.Info().
		Str("tool", tool.Name).
		Str("session_id", state.ID).
		Strs("plan", plan.Remaining).
		Msg("Execution plan computed")

	// Empty plan means the session already completed the target. Surface
	// the recorded result instead of running anything again.
	if len(plan.Remaining) == 0 {
		return successResult(state.Data[tool.Name+"_result"]).
			withMeta("session_id", state.ID).
			withMeta("already_completed", true)
	}

	var last Result
	for _, stepName := range plan.Remaining {
		if err := ctx.Err(); err != nil {
			return failureResult(CodeCancelled, "execution cancelled before step %s: %v", stepName, err).
				withMeta("session_id", state.ID)
		}

		step := k.registry.Get(stepName)
		if step == nil {
			return failureResult(CodeNotFound, "tool not found: %s", stepName).withMeta("session_id", state.ID)
		}

		stepParams := k.stepParams(step, req, state)

		if err := k.registry.ValidateParams(stepName, stepParams); err != nil {
			return failureResult(CodeValidation, "step %s: %v", stepName, err).withMeta("session_id", state.ID)
		}

		if result := k.gate(step, stepParams); result != nil {
			return result.withMeta("session_id", state.ID)
		}

		last = k.executeStep(ctx, step, stepParams, state)
		if !last.Success {
			return last.withMeta("session_id", state.ID)
		}

		// Re-read so later steps see this step's results.
		if refreshed, err := k.store.Get(ctx, state.ID); err == nil {
			state = refreshed
		}
	}

	// The caller gets the last executed step's result, not an aggregate.
	return last.withMeta("session_id", state.ID).withMeta("plan", plan.Remaining)
}

// loadSession resolves the request's session: create when absent, fatal
// when the given id is unknown unless force is set.
func (k *Kernel) loadSession(ctx context.Context, req Request) (*session.State, *Result) {
	if req.SessionID == "" {
		state, err := k.store.Create(ctx)
		if err != nil {
			result := failureResult(CodeInternal, "failed to create session: %v", err)
			return nil, &result
		}
		if k.metrics != nil {
			k.metrics.SessionsTotal.Inc()
			k.metrics.SessionsActive.Inc()
		}
		return state, nil
	}

	state, err := k.store.Get(ctx, req.SessionID)
	if err == nil {
		return state, nil
	}

	if errors.Is(err, session.ErrNotFound) && req.Force {
		k.logger.Warn().Str("session_id", req.SessionID).Msg("Session not found, force flag set, starting fresh")
		state, err := k.store.Create(ctx)
		if err != nil {
			result := failureResult(CodeInternal, "failed to create session: %v", err)
			return nil, &result
		}
		return state, nil
	}

	result := failureResult(CodeNotFound, "session not found: %s", req.SessionID)
	return nil, &result
}

// stepParams builds the parameter set for one step of the plan: the
// request's params filtered to the step's declared parameters, with
// session data filling declared fields the request did not provide.
func (k *Kernel) stepParams(step *registry.ToolDefinition, req Request, state *session.State) map[string]interface{} {
	params := make(map[string]interface{})

	declared := make(map[string]bool, len(step.Parameters))
	for _, p := range step.Parameters {
		declared[p.Name] = true
	}

	for name := range declared {
		if v, ok := state.Data[name]; ok {
			params[name] = v
		}
	}
	for name, v := range req.Params {
		if declared[name] {
			params[name] = v
		}
	}

	return params
}

// gate evaluates the policy document and the hard constraint gate for
// one step. A matched blocking rule or an error-severity constraint
// violation aborts the request.
func (k *Kernel) gate(step *registry.ToolDefinition, params map[string]interface{}) *Result {
	doc := k.provider.Document()
	input := map[string]interface{}{"tool": step.Name, "params": params}

	var blocking []string
	for _, res := range policy.Matched(policy.Apply(doc, input)) {
		rule := findRule(doc, res.RuleID)
		if rule != nil && rule.Blocks() {
			blocking = append(blocking, rule.ID)
		} else if rule != nil && rule.Warns() {
			k.logger.Warn().Str("tool", step.Name).Str("rule", rule.ID).Msg("Policy warning")
		}
	}

	if len(blocking) > 0 {
		k.trackPolicyBlock(step.Name, blocking)
		result := failureResult(CodePolicyBlocked, "blocked by policy rules: %v", blocking)
		result.Metadata = map[string]interface{}{"blocking_rules": blocking}
		return &result
	}

	violations, err := k.engine.ValidateConstraints(params, k.policies, policy.Context{Tool: step.Name})
	if err != nil {
		names := make([]string, 0, len(violations))
		for _, v := range violations {
			if v.Severity == policy.SeverityError {
				names = append(names, v.RuleID)
			}
		}
		k.trackPolicyBlock(step.Name, names)
		result := failureResult(CodePolicyBlocked, "%v", err)
		result.Metadata = map[string]interface{}{"violations": violations}
		return &result
	}

	return nil
}

// executeStep runs one step with retry and persists the outcome
func (k *Kernel) executeStep(ctx context.Context, step *registry.ToolDefinition, params map[string]interface{}, state *session.State) Result {
	enforcement := k.engine.Enforce(k.baseConfig, k.policies, policy.Context{Tool: step.Name, SessionID: state.ID})

	sc := &StepContext{
		Tool:      step.Name,
		SessionID: state.ID,
		Logger:    k.logger.With().Str("tool", step.Name).Str("session_id", state.ID).Logger(),
		Sink:      k.sink,
		Config:    enforcement.Config,
	}

	start := time.Now()
	value, attempts, err := k.executeWithRetry(WithStepContext(ctx, sc), step, params)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return failureResult(CodeCancelled, "step %s cancelled: %v", step.Name, err)
		}
		k.trackError(step.Name, err.Error())
		result := failureResult(CodeExhausted, "step %s: %v", step.Name, err)
		return result.withMeta("attempts", attempts)
	}

	if res, ok := value.(Result); ok && !res.Success {
		// Handler-reported failure, surfaced immediately, never retried.
		k.trackError(step.Name, res.Error)
		return res
	}

	k.sink.Track(telemetry.Event{
		Type:     telemetry.EventExecution,
		Tool:     step.Name,
		Duration: duration,
		Metadata: map[string]interface{}{"attempts": attempts, "session_id": state.ID},
	})

	k.recordStep(ctx, state.ID, step, value)

	return successResult(value).withMeta("attempts", attempts)
}

// recordStep persists a successful step under the session data naming
// convention. Keys the tool declares in Provides are lifted out of a
// map-valued result so downstream steps can consume them as parameters.
// Store failures are logged, never fatal to the step.
func (k *Kernel) recordStep(ctx context.Context, sessionID string, tool *registry.ToolDefinition, value interface{}) {
	data := map[string]interface{}{
		tool.Name + "_result":    value,
		tool.Name + "_completed": true,
		tool.Name + "_timestamp": time.Now().Format(time.RFC3339),
	}

	if m, ok := value.(map[string]interface{}); ok {
		for _, key := range tool.Provides {
			if v, present := m[key]; present {
				data[key] = v
			}
		}
	}

	_, err := k.store.Update(ctx, sessionID, session.Delta{
		CompletedSteps: []string{tool.Name},
		Data:           data,
	})
	if err != nil {
		k.logger.Warn().Str("session_id", sessionID).Str("tool", tool.Name).Err(err).Msg("Failed to record step in session")
	}
}

func (k *Kernel) trackError(tool, message string) {
	k.sink.Track(telemetry.Event{Type: telemetry.EventError, Tool: tool, Error: message})
	if k.metrics != nil {
		k.metrics.ExecutionErrorsTotal.WithLabelValues(tool, "execution").Inc()
	}
}

func (k *Kernel) trackPolicyBlock(tool string, rules []string) {
	k.sink.Track(telemetry.Event{
		Type:     telemetry.EventPolicy,
		Tool:     tool,
		Error:    "blocked by policy",
		Metadata: map[string]interface{}{"rules": rules},
	})
	if k.metrics != nil {
		for _, rule := range rules {
			k.metrics.PolicyBlocksTotal.WithLabelValues(tool, rule).Inc()
		}
	}
}

func (k *Kernel) observe(tool, path string, result Result, duration time.Duration) {
	status := "success"
	if !result.Success {
		status = "failure"
	}
	if k.metrics != nil {
		k.metrics.ExecutionsTotal.WithLabelValues(tool, status, path).Inc()
		k.metrics.ExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
	k.logger.Debug().
		Str("tool", tool).
		Str("path", path).
		Str("status", status).
		Dur("duration", duration).
		Msg("Execution finished")
}
