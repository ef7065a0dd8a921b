package kernel

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/caravel/internal/metrics"
	"github.com/harun/caravel/pkg/policy"
	"github.com/harun/caravel/pkg/registry"
	"github.com/harun/caravel/pkg/session"
	"github.com/harun/caravel/pkg/telemetry"
)

func newTestKernel(t *testing.T, mutate ...func(*Config)) (*Kernel, *registry.Registry, session.Store) {
	t.Helper()

	reg := registry.New()
	store := session.NewMemoryStore()

	cfg := Config{
		Registry:   reg,
		Store:      store,
		Sink:       telemetry.NewSink(0),
		RetryDelay: time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	k, err := New(cfg)
	require.NoError(t, err)

	return k, reg, store
}

func withPolicyFile(t *testing.T, doc string) func(*Config) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "policy.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	provider, err := policy.NewProvider(path)
	require.NoError(t, err)

	return func(cfg *Config) { cfg.Provider = provider }
}

func stubTool(name string, calls *int32, requires ...string) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        name,
		Description: "test tool " + name,
		Parameters: []registry.ToolParameter{
			{Name: "input", Type: "string"},
		},
		Requires: requires,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return name + "_done", nil
		},
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Store: session.NewMemoryStore()})
	assert.ErrorContains(t, err, "registry")

	_, err = New(Config{Registry: registry.New()})
	assert.ErrorContains(t, err, "session store")
}

func TestExecute_ToolNotFound(t *testing.T) {
	k, _, _ := newTestKernel(t)

	result := k.Execute(context.Background(), Request{Tool: "no_such_tool"})

	assert.False(t, result.Success)
	assert.Equal(t, CodeNotFound, result.Code)
	assert.Contains(t, result.Error, "no_such_tool")
}

func TestExecute_FastPath(t *testing.T) {
	k, reg, _ := newTestKernel(t)
	var calls int32
	require.NoError(t, reg.Register(stubTool("ping", &calls)))

	result := k.Execute(context.Background(), Request{Tool: "ping"})

	require.True(t, result.Success)
	assert.Equal(t, CodeOK, result.Code)
	assert.Equal(t, "ping_done", result.Value)
	assert.EqualValues(t, 1, calls)
	// No session id given, none created.
	assert.Nil(t, result.Metadata["session_id"])
}

func TestExecute_FastPathRecordsSession(t *testing.T) {
	k, reg, _ := newTestKernel(t)
	require.NoError(t, reg.Register(stubTool("ping", nil)))

	state, err := k.CreateSession(context.Background())
	require.NoError(t, err)

	result := k.Execute(context.Background(), Request{Tool: "ping", SessionID: state.ID})
	require.True(t, result.Success)

	state, err = k.GetSession(context.Background(), state.ID)
	require.NoError(t, err)
	assert.Contains(t, state.CompletedSteps, "ping")
	assert.Equal(t, "ping_done", state.Data["ping_result"])
	assert.Equal(t, true, state.Data["ping_completed"])
	assert.NotEmpty(t, state.Data["ping_timestamp"])
}

func TestExecute_FastPathValidationFailure(t *testing.T) {
	k, reg, _ := newTestKernel(t)
	require.NoError(t, reg.Register(stubTool("ping", nil)))

	result := k.Execute(context.Background(), Request{
		Tool:   "ping",
		Params: map[string]interface{}{"input": 42},
	})

	assert.False(t, result.Success)
	assert.Equal(t, CodeValidation, result.Code)
}

func TestExecute_PlannedChain(t *testing.T) {
	k, reg, _ := newTestKernel(t)

	var analyze, generate, build int32
	require.NoError(t, reg.Register(stubTool("analyze_repository", &analyze)))
	require.NoError(t, reg.Register(stubTool("generate_dockerfile", &generate, "analyze_repository")))
	require.NoError(t, reg.Register(stubTool("build_image", &build, "generate_dockerfile")))

	result := k.Execute(context.Background(), Request{Tool: "build_image"})

	require.True(t, result.Success, result.Error)
	assert.EqualValues(t, 1, analyze)
	assert.EqualValues(t, 1, generate)
	assert.EqualValues(t, 1, build)

	// Caller sees the target step's value, not an aggregate.
	assert.Equal(t, "build_image_done", result.Value)
	assert.Equal(t, []string{"analyze_repository", "generate_dockerfile", "build_image"}, result.Metadata["plan"])

	sessionID, ok := result.Metadata["session_id"].(string)
	require.True(t, ok)

	state, err := k.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze_repository", "generate_dockerfile", "build_image"}, state.CompletedSteps)
	assert.Equal(t, "analyze_repository_done", state.Data["analyze_repository_result"])
	assert.Equal(t, "build_image_done", state.Data["build_image_result"])
}

func TestExecute_AlreadyCompletedTarget(t *testing.T) {
	k, reg, _ := newTestKernel(t)

	var analyze, generate int32
	require.NoError(t, reg.Register(stubTool("analyze_repository", &analyze)))
	require.NoError(t, reg.Register(stubTool("generate_dockerfile", &generate, "analyze_repository")))

	first := k.Execute(context.Background(), Request{Tool: "generate_dockerfile"})
	require.True(t, first.Success, first.Error)
	sessionID, ok := first.Metadata["session_id"].(string)
	require.True(t, ok)

	second := k.Execute(context.Background(), Request{Tool: "generate_dockerfile", SessionID: sessionID})

	require.True(t, second.Success, second.Error)
	assert.Equal(t, CodeOK, second.Code)
	assert.Equal(t, "generate_dockerfile_done", second.Value)
	assert.Equal(t, true, second.Metadata["already_completed"])
	assert.Equal(t, sessionID, second.Metadata["session_id"])

	// Nothing re-ran.
	assert.EqualValues(t, 1, analyze)
	assert.EqualValues(t, 1, generate)
}

func TestExecute_SkipsCompletedSteps(t *testing.T) {
	k, reg, store := newTestKernel(t)

	var analyze, generate int32
	require.NoError(t, reg.Register(stubTool("analyze_repository", &analyze)))
	require.NoError(t, reg.Register(stubTool("generate_dockerfile", &generate, "analyze_repository")))

	state, err := store.Create(context.Background())
	require.NoError(t, err)
	_, err = store.Update(context.Background(), state.ID, session.Delta{
		CompletedSteps: []string{"analyze_repository"},
	})
	require.NoError(t, err)

	result := k.Execute(context.Background(), Request{Tool: "generate_dockerfile", SessionID: state.ID})

	require.True(t, result.Success, result.Error)
	assert.EqualValues(t, 0, analyze)
	assert.EqualValues(t, 1, generate)
}

func TestExecute_SessionNotFound(t *testing.T) {
	k, reg, _ := newTestKernel(t)
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "deploy",
		Description:        "planned tool",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "deploy", SessionID: "missing"})
	assert.False(t, result.Success)
	assert.Equal(t, CodeNotFound, result.Code)

	// Force starts over with a fresh session instead of failing.
	result = k.Execute(context.Background(), Request{Tool: "deploy", SessionID: "missing", Force: true})
	require.True(t, result.Success, result.Error)
	assert.NotEqual(t, "missing", result.Metadata["session_id"])
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	k, reg, _ := newTestKernel(t, func(cfg *Config) { cfg.MaxRetries = 3 })

	var calls int32
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "flaky",
		Description:        "fails once then succeeds",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, assert.AnError
			}
			return "recovered", nil
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "flaky"})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "recovered", result.Value)
	assert.EqualValues(t, 2, calls)
	assert.Equal(t, 2, result.Metadata["attempts"])
}

func TestExecute_RetriesExhausted(t *testing.T) {
	k, reg, _ := newTestKernel(t, func(cfg *Config) { cfg.MaxRetries = 3 })

	var calls int32
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "broken",
		Description:        "always fails",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, assert.AnError
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "broken"})

	assert.False(t, result.Success)
	assert.Equal(t, CodeExhausted, result.Code)
	assert.Contains(t, result.Error, "after 3 attempts")
	assert.EqualValues(t, 3, calls)
}

func TestExecute_HandlerPanicIsRetriedAndContained(t *testing.T) {
	k, reg, _ := newTestKernel(t)

	var calls int32
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "panicky",
		Description:        "always panics",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			panic("boom")
		},
	}))

	var result Result
	assert.NotPanics(t, func() {
		result = k.Execute(context.Background(), Request{Tool: "panicky"})
	})

	assert.False(t, result.Success)
	assert.Equal(t, CodeExhausted, result.Code)
	assert.Contains(t, result.Error, "handler panic")
	assert.EqualValues(t, DefaultMaxRetries, calls)
}

func TestExecute_HandlerFailureResultNotRetried(t *testing.T) {
	k, reg, _ := newTestKernel(t, func(cfg *Config) { cfg.MaxRetries = 3 })

	var calls int32
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "refused",
		Description:        "reports its own failure",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return Result{Success: false, Code: CodeHandlerFailure, Error: "base image not found"}, nil
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "refused"})

	assert.False(t, result.Success)
	assert.Equal(t, CodeHandlerFailure, result.Code)
	assert.Equal(t, "base image not found", result.Error)
	assert.EqualValues(t, 1, calls)
}

func TestExecute_PolicyBlocksRule(t *testing.T) {
	doc := `{
		"version": "1.0",
		"rules": [
			{
				"id": "no-deploys",
				"priority": 10,
				"conditions": [{"kind": "regex", "pattern": "deploy"}],
				"actions": {"block": true}
			}
		]
	}`
	k, reg, _ := newTestKernel(t, withPolicyFile(t, doc))

	var calls int32
	require.NoError(t, reg.Register(stubTool("deploy_application", &calls)))

	result := k.Execute(context.Background(), Request{Tool: "deploy_application"})

	assert.False(t, result.Success)
	assert.Equal(t, CodePolicyBlocked, result.Code)
	assert.Contains(t, result.Error, "no-deploys")
	assert.EqualValues(t, 0, calls)
}

func TestExecute_WarnRuleDoesNotBlock(t *testing.T) {
	doc := `{
		"version": "1.0",
		"rules": [
			{
				"id": "watch-pushes",
				"priority": 5,
				"conditions": [{"kind": "regex", "pattern": "push"}],
				"actions": {"warn": true}
			}
		]
	}`
	k, reg, _ := newTestKernel(t, withPolicyFile(t, doc))

	var calls int32
	require.NoError(t, reg.Register(stubTool("push_image", &calls)))

	result := k.Execute(context.Background(), Request{Tool: "push_image"})

	require.True(t, result.Success, result.Error)
	assert.EqualValues(t, 1, calls)
}

func TestExecute_ForbiddenPatternBlocks(t *testing.T) {
	k, reg, _ := newTestKernel(t, func(cfg *Config) {
		cfg.Policies = []policy.ActivePolicy{{
			Name:              "security-baseline",
			ForbiddenPatterns: []string{`rm\s+-rf\s+/`},
		}}
	})

	var calls int32
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "generate_dockerfile",
		Description:        "planned tool",
		ForceOrchestration: true,
		Parameters: []registry.ToolParameter{
			{Name: "custom_instructions", Type: "string"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		},
	}))

	result := k.Execute(context.Background(), Request{
		Tool:   "generate_dockerfile",
		Params: map[string]interface{}{"custom_instructions": "RUN rm -rf / --no-preserve-root"},
	})

	assert.False(t, result.Success)
	assert.Equal(t, CodePolicyBlocked, result.Code)
	assert.EqualValues(t, 0, calls)
}

func TestExecute_CyclicDependency(t *testing.T) {
	k, reg, _ := newTestKernel(t)
	require.NoError(t, reg.Register(stubTool("a", nil, "b")))
	require.NoError(t, reg.Register(stubTool("b", nil, "a")))

	result := k.Execute(context.Background(), Request{Tool: "a"})

	assert.False(t, result.Success)
	assert.Equal(t, CodeInternal, result.Code)
	assert.Contains(t, result.Error, "cyclic")
}

func TestExecute_CancelledDuringRetryDelay(t *testing.T) {
	k, reg, _ := newTestKernel(t, func(cfg *Config) {
		cfg.RetryDelay = 500 * time.Millisecond
	})

	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "slow",
		Description:        "always fails",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, assert.AnError
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := k.Execute(ctx, Request{Tool: "slow"})

	assert.False(t, result.Success)
	assert.Equal(t, CodeCancelled, result.Code)
}

func TestExecute_StepParamsFromSessionData(t *testing.T) {
	k, reg, store := newTestKernel(t)

	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "analyze_repository",
		Description: "produces a language",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "go", nil
		},
	}))

	var seen interface{}
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "resolve_base_images",
		Description: "consumes the language",
		Requires:    []string{"analyze_repository"},
		Parameters: []registry.ToolParameter{
			{Name: "language", Type: "string"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seen = params["language"]
			return "mcr.microsoft.com/oss/go/microsoft/golang:1.24", nil
		},
	}))

	state, err := store.Create(context.Background())
	require.NoError(t, err)
	_, err = store.Update(context.Background(), state.ID, session.Delta{
		Data: map[string]interface{}{"language": "go"},
	})
	require.NoError(t, err)

	result := k.Execute(context.Background(), Request{Tool: "resolve_base_images", SessionID: state.ID})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "go", seen)
}

func TestExecute_ProvidesKeysLiftedIntoSession(t *testing.T) {
	k, reg, _ := newTestKernel(t)

	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "analyze_repository",
		Description: "emits analysis fields",
		Provides:    []string{"language", "port"},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"language": "go", "port": 8080, "internal": "hidden"}, nil
		},
	}))

	var seenLanguage interface{}
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "resolve_base_images",
		Description: "consumes lifted analysis fields",
		Requires:    []string{"analyze_repository"},
		Parameters: []registry.ToolParameter{
			{Name: "language", Type: "string"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			seenLanguage = params["language"]
			return "resolved", nil
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "resolve_base_images"})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "go", seenLanguage)

	sessionID := result.Metadata["session_id"].(string)
	state, err := k.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "go", state.Data["language"])
	assert.Equal(t, 8080, state.Data["port"])
	// Keys outside Provides stay inside the step result only.
	assert.NotContains(t, state.Data, "internal")
}

func TestExecute_StepContextCarriesEnforcedConfig(t *testing.T) {
	k, reg, _ := newTestKernel(t, func(cfg *Config) {
		cfg.BaseConfig = policy.GenerationConfig{MaxTokens: 8000}
		cfg.Policies = []policy.ActivePolicy{{
			Name:   "token-cap",
			Limits: policy.Limits{MaxTokens: 4000},
		}}
	})

	var got policy.GenerationConfig
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "generate_dockerfile",
		Description:        "reads its step context",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			sc := StepContextFrom(ctx)
			require.NotNil(t, sc)
			got = sc.Config
			return "ok", nil
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "generate_dockerfile"})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, 4000, got.MaxTokens)
}

func TestExecute_TelemetryRecorded(t *testing.T) {
	sink := telemetry.NewSink(0)
	k, reg, _ := newTestKernel(t, func(cfg *Config) { cfg.Sink = sink })

	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:               "build_image",
		Description:        "planned tool",
		ForceOrchestration: true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	result := k.Execute(context.Background(), Request{Tool: "build_image"})
	require.True(t, result.Success)

	snapshot := sink.Snapshot()
	require.Contains(t, snapshot, "build_image.duration")
	assert.Equal(t, 1, snapshot["build_image.duration"].Count)
}

func TestGetPlan(t *testing.T) {
	k, reg, store := newTestKernel(t)
	require.NoError(t, reg.Register(stubTool("analyze_repository", nil)))
	require.NoError(t, reg.Register(stubTool("generate_dockerfile", nil, "analyze_repository")))

	plan, err := k.GetPlan(context.Background(), "generate_dockerfile", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze_repository", "generate_dockerfile"}, plan.Remaining)

	state, err := store.Create(context.Background())
	require.NoError(t, err)
	_, err = store.Update(context.Background(), state.ID, session.Delta{
		CompletedSteps: []string{"analyze_repository"},
	})
	require.NoError(t, err)

	plan, err = k.GetPlan(context.Background(), "generate_dockerfile", state.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"generate_dockerfile"}, plan.Remaining)

	_, err = k.GetPlan(context.Background(), "generate_dockerfile", "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestCanExecute(t *testing.T) {
	k, reg, store := newTestKernel(t)
	require.NoError(t, reg.Register(stubTool("analyze_repository", nil)))
	require.NoError(t, reg.Register(stubTool("generate_dockerfile", nil, "analyze_repository")))

	ready, err := k.CanExecute(context.Background(), "generate_dockerfile", "")
	require.NoError(t, err)
	assert.False(t, ready.CanExecute)
	assert.Equal(t, []string{"analyze_repository"}, ready.Missing)

	state, err := store.Create(context.Background())
	require.NoError(t, err)
	_, err = store.Update(context.Background(), state.ID, session.Delta{
		CompletedSteps: []string{"analyze_repository"},
	})
	require.NoError(t, err)

	ready, err = k.CanExecute(context.Background(), "generate_dockerfile", state.ID)
	require.NoError(t, err)
	assert.True(t, ready.CanExecute)
	assert.Empty(t, ready.Missing)
}

func gaugeValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestSessionLifecycle_ActiveGauge(t *testing.T) {
	m := metrics.NewMetrics()
	k, _, _ := newTestKernel(t, func(cfg *Config) { cfg.Metrics = m })

	state, err := k.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, gaugeValue(t, m, "sessions_active"))

	require.NoError(t, k.DeleteSession(context.Background(), state.ID))
	assert.Equal(t, 0.0, gaugeValue(t, m, "sessions_active"))

	// Deleting an unknown id must not move the gauge.
	require.NoError(t, k.DeleteSession(context.Background(), "missing"))
	assert.Equal(t, 0.0, gaugeValue(t, m, "sessions_active"))
}

func TestExecute_ImplicitSessionCountsActive(t *testing.T) {
	m := metrics.NewMetrics()
	k, reg, _ := newTestKernel(t, func(cfg *Config) { cfg.Metrics = m })
	require.NoError(t, reg.Register(stubTool("analyze_repository", nil)))
	require.NoError(t, reg.Register(stubTool("generate_dockerfile", nil, "analyze_repository")))

	result := k.Execute(context.Background(), Request{Tool: "generate_dockerfile"})
	require.True(t, result.Success, result.Error)

	assert.Equal(t, 1.0, gaugeValue(t, m, "sessions_active"))
}
