package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)
	require.NotNil(t, m.Registry())

	m.ExecutionsTotal.WithLabelValues("build_image", "success", "planned").Inc()
	m.ExecutionDuration.WithLabelValues("build_image").Observe(1.5)
	m.SessionsActive.Set(3)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	assert.True(t, names["kernel_executions_total"])
	assert.True(t, names["kernel_execution_duration_seconds"])
	assert.True(t, names["sessions_active"])
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.PolicyBlocksTotal.WithLabelValues("exec", "shell-safety").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kernel_policy_blocks_total"))
}
