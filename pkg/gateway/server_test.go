package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/caravel/pkg/kernel"
	"github.com/harun/caravel/pkg/registry"
	"github.com/harun/caravel/pkg/session"
	"github.com/harun/caravel/pkg/telemetry"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "ping",
		Description: "liveness check",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"status": "pong"}, nil
		},
	}))
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "build",
		Description: "needs analyze first",
		Requires:    []string{"analyze"},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "built", nil
		},
	}))
	require.NoError(t, reg.Register(registry.ToolDefinition{
		Name:        "analyze",
		Description: "first step",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "analyzed", nil
		},
	}))

	k, err := kernel.New(kernel.Config{
		Registry:   reg,
		Store:      session.NewMemoryStore(),
		Sink:       telemetry.NewSink(0),
		RetryDelay: time.Millisecond,
	})
	require.NoError(t, err)

	s, err := NewServer(Config{Port: 8900, Token: testToken, Kernel: k})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return s, ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, body string, authed bool) *http.Response {
	t.Helper()

	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestAuth(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, ts, http.MethodGet, "/v1/tools", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/tools", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	resp3 := doRequest(t, ts, http.MethodGet, "/v1/tools", "", true)
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestHealthUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, ts, http.MethodGet, "/v1/health", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health telemetry.Health
	decode(t, resp, &health)
	assert.Equal(t, telemetry.StatusHealthy, health.Status)
}

func TestExecute(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, ts, http.MethodPost, "/v1/execute", `{"tool":"ping"}`, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var result kernel.Result
	decode(t, resp, &result)
	assert.True(t, result.Success)
}

func TestExecute_Errors(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing tool", `{}`, http.StatusBadRequest},
		{"malformed body", `{not json`, http.StatusBadRequest},
		{"unknown tool", `{"tool":"nope"}`, http.StatusNotFound},
		{"unknown session", `{"tool":"build","session_id":"missing"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doRequest(t, ts, http.MethodPost, "/v1/execute", tt.body, true)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestPlanAndCanExecute(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, ts, http.MethodGet, "/v1/plan/build", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan struct {
		Remaining []string `json:"remaining"`
	}
	decode(t, resp, &plan)
	assert.Equal(t, []string{"analyze", "build"}, plan.Remaining)

	resp2 := doRequest(t, ts, http.MethodGet, "/v1/can-execute/build", "", true)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var readiness struct {
		CanExecute bool     `json:"can_execute"`
		Missing    []string `json:"missing"`
	}
	decode(t, resp2, &readiness)
	assert.False(t, readiness.CanExecute)
	assert.Equal(t, []string{"analyze"}, readiness.Missing)

	resp3 := doRequest(t, ts, http.MethodGet, "/v1/plan/unknown", "", true)
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doRequest(t, ts, http.MethodPost, "/v1/sessions", "", true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var state session.State
	decode(t, resp, &state)
	require.NotEmpty(t, state.ID)

	resp2 := doRequest(t, ts, http.MethodGet, "/v1/sessions/"+state.ID, "", true)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3 := doRequest(t, ts, http.MethodGet, "/v1/sessions", "", true)
	var list struct {
		Sessions []string `json:"sessions"`
	}
	decode(t, resp3, &list)
	assert.Contains(t, list.Sessions, state.ID)

	resp4 := doRequest(t, ts, http.MethodDelete, "/v1/sessions/"+state.ID, "", true)
	assert.Equal(t, http.StatusNoContent, resp4.StatusCode)

	resp5 := doRequest(t, ts, http.MethodGet, "/v1/sessions/"+state.ID, "", true)
	assert.Equal(t, http.StatusNotFound, resp5.StatusCode)
}

func TestEventStream(t *testing.T) {
	s, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return s.broadcaster.Count() == 1
	}, time.Second, 10*time.Millisecond)

	// An execute call publishes an execution event to subscribers.
	resp := doRequest(t, ts, http.MethodPost, "/v1/execute", `{"tool":"ping"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg EventMessage
	require.NoError(t, conn.ReadJSON(&msg))

	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "execution", msg.Event)
	assert.Positive(t, msg.Seq)
}

func TestEventStream_RequiresAuth(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTelemetryEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	doRequest(t, ts, http.MethodPost, "/v1/execute", `{"tool":"ping"}`, true)

	resp := doRequest(t, ts, http.MethodGet, "/v1/telemetry", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Aggregates map[string]telemetry.Aggregate `json:"aggregates"`
		Events     []telemetry.Event              `json:"events"`
	}
	decode(t, resp, &body)
	assert.NotNil(t, body.Aggregates)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 0, Token: "x", Kernel: &kernel.Kernel{}})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8080, Token: "", Kernel: &kernel.Kernel{}})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8080, Token: "x", Kernel: nil})
	assert.Error(t, err)
}
