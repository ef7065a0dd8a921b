package kube

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStub(t *testing.T, script string) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kubectl")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return NewClient(WithKubectlBinary(path))
}

func TestApply_CollectsResources(t *testing.T) {
	c := writeStub(t, `cat > /dev/null
echo "deployment.apps/myapp created"
echo "service/myapp created"`)

	applied, err := c.Apply(context.Background(), "kind: Deployment", "staging")

	require.NoError(t, err)
	assert.Equal(t, []string{"deployment.apps/myapp created", "service/myapp created"}, applied)
}

func TestApply_Failure(t *testing.T) {
	c := writeStub(t, `cat > /dev/null; echo "error validating data" >&2; exit 1`)

	_, err := c.Apply(context.Background(), "bad yaml", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "error validating data")
}

func TestEnsureNamespace_DefaultSkipped(t *testing.T) {
	c := writeStub(t, `exit 1`)
	assert.NoError(t, c.EnsureNamespace(context.Background(), "default"))
	assert.NoError(t, c.EnsureNamespace(context.Background(), ""))
}

func TestEnsureNamespace_AlreadyExistsRace(t *testing.T) {
	c := writeStub(t, `
if [ "$1" = "get" ]; then exit 1; fi
echo "namespaces \"staging\" AlreadyExists" >&2
exit 1`)

	assert.NoError(t, c.EnsureNamespace(context.Background(), "staging"))
}

func TestReadyReplicas(t *testing.T) {
	c := writeStub(t, `printf "2/3"`)

	ready, desired, err := c.ReadyReplicas(context.Background(), "myapp", "staging")

	require.NoError(t, err)
	assert.Equal(t, 2, ready)
	assert.Equal(t, 3, desired)
}

func TestRenderManifests(t *testing.T) {
	yaml, err := RenderManifests(ManifestSpec{
		AppName:   "orders",
		Image:     "registry.example.com/orders:1.2.0",
		Namespace: "prod",
		Port:      9090,
		Replicas:  3,
	})

	require.NoError(t, err)
	assert.Contains(t, yaml, "kind: Deployment")
	assert.Contains(t, yaml, "kind: Service")
	assert.Contains(t, yaml, "image: registry.example.com/orders:1.2.0")
	assert.Contains(t, yaml, "replicas: 3")
	assert.Contains(t, yaml, "containerPort: 9090")
	assert.Contains(t, yaml, "namespace: prod")
	assert.Contains(t, yaml, "runAsNonRoot: true")
}

func TestRenderManifests_Defaults(t *testing.T) {
	yaml, err := RenderManifests(ManifestSpec{AppName: "x", Image: "x:1"})

	require.NoError(t, err)
	assert.Contains(t, yaml, "namespace: default")
	assert.Contains(t, yaml, "replicas: 2")
	assert.Contains(t, yaml, "containerPort: 8080")
}

func TestRenderManifests_Validation(t *testing.T) {
	_, err := RenderManifests(ManifestSpec{Image: "x:1"})
	assert.Error(t, err)

	_, err = RenderManifests(ManifestSpec{AppName: "x"})
	assert.Error(t, err)
}

func TestDeploymentName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"MyApp", "myapp"},
		{"my_app.v2", "my-app-v2"},
		{"--weird--", "weird"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeploymentName(tt.in))
	}
}
