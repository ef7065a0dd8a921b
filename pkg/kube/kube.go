// Package kube shells out to kubectl for cluster preparation, manifest
// application, and rollout verification.
package kube

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client wraps the kubectl CLI
type Client struct {
	kubectlBin string
	kubeconfig string
	timeout    time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithKubectlBinary overrides the kubectl binary
func WithKubectlBinary(bin string) Option {
	return func(c *Client) { c.kubectlBin = bin }
}

// WithKubeconfig sets an explicit kubeconfig path
func WithKubeconfig(path string) Option {
	return func(c *Client) { c.kubeconfig = path }
}

// WithTimeout overrides the per-command timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a kubectl client
func NewClient(opts ...Option) *Client {
	c := &Client{
		kubectlBin: "kubectl",
		timeout:    5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckCluster verifies the cluster is reachable
func (c *Client) CheckCluster(ctx context.Context) error {
	if _, stderr, err := c.run(ctx, nil, "cluster-info"); err != nil {
		return fmt.Errorf("cluster is not reachable: %w: %s", err, firstLine(stderr))
	}
	return nil
}

// EnsureNamespace creates the namespace when it does not exist
func (c *Client) EnsureNamespace(ctx context.Context, namespace string) error {
	if namespace == "" || namespace == "default" {
		return nil
	}

	if _, _, err := c.run(ctx, nil, "get", "namespace", namespace); err == nil {
		return nil
	}

	if _, stderr, err := c.run(ctx, nil, "create", "namespace", namespace); err != nil {
		// Lost the race with another creator.
		if strings.Contains(stderr, "AlreadyExists") {
			return nil
		}
		return fmt.Errorf("failed to create namespace %s: %w: %s", namespace, err, firstLine(stderr))
	}

	log.Info().Str("namespace", namespace).Msg("Namespace created")
	return nil
}

// Apply applies manifest YAML from memory via kubectl apply -f -
func (c *Client) Apply(ctx context.Context, manifests, namespace string) ([]string, error) {
	args := []string{"apply", "-f", "-"}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}

	stdout, stderr, err := c.run(ctx, []byte(manifests), args...)
	if err != nil {
		return nil, fmt.Errorf("kubectl apply failed: %w: %s", err, firstLine(stderr))
	}

	var applied []string
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if line != "" {
			applied = append(applied, line)
		}
	}

	log.Info().Str("namespace", namespace).Strs("resources", applied).Msg("Manifests applied")
	return applied, nil
}

// RolloutStatus waits for a deployment rollout to complete
func (c *Client) RolloutStatus(ctx context.Context, deployment, namespace string, timeout time.Duration) error {
	args := []string{"rollout", "status", "deployment/" + deployment}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}
	if timeout > 0 {
		args = append(args, "--timeout", timeout.String())
	}

	if _, stderr, err := c.run(ctx, nil, args...); err != nil {
		return fmt.Errorf("rollout of %s did not complete: %w: %s", deployment, err, firstLine(stderr))
	}
	return nil
}

// ReadyReplicas reports ready vs desired replicas for a deployment
func (c *Client) ReadyReplicas(ctx context.Context, deployment, namespace string) (ready, desired int, err error) {
	args := []string{
		"get", "deployment", deployment,
		"-o", "jsonpath={.status.readyReplicas}/{.spec.replicas}",
	}
	if namespace != "" {
		args = append(args, "-n", namespace)
	}

	stdout, stderr, err := c.run(ctx, nil, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read deployment %s: %w: %s", deployment, err, firstLine(stderr))
	}

	parts := strings.SplitN(strings.TrimSpace(stdout), "/", 2)
	if len(parts) == 2 {
		fmt.Sscanf(parts[0], "%d", &ready)
		fmt.Sscanf(parts[1], "%d", &desired)
	}
	return ready, desired, nil
}

func (c *Client) run(ctx context.Context, stdin []byte, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.kubeconfig != "" {
		args = append([]string{"--kubeconfig", c.kubeconfig}, args...)
	}

	cmd := exec.CommandContext(ctx, c.kubectlBin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("kubectl timed out after %s", c.timeout)
	}

	log.Debug().Strs("args", args).Bool("ok", err == nil).Msg("kubectl executed")
	return stdout.String(), stderr.String(), err
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
