// Package dockerx shells out to the docker and trivy CLIs for image
// build, scan, tag, and push. The binaries stay pluggable so tests can
// point at stubs.
package dockerx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client wraps the container tooling CLIs
type Client struct {
	dockerBin string
	trivyBin  string
	timeout   time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithDockerBinary overrides the docker binary
func WithDockerBinary(bin string) Option {
	return func(c *Client) { c.dockerBin = bin }
}

// WithTrivyBinary overrides the trivy binary
func WithTrivyBinary(bin string) Option {
	return func(c *Client) { c.trivyBin = bin }
}

// WithTimeout overrides the per-command timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a docker tooling client
func NewClient(opts ...Option) *Client {
	c := &Client{
		dockerBin: "docker",
		trivyBin:  "trivy",
		timeout:   10 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckDaemon verifies the docker daemon is reachable
func (c *Client) CheckDaemon(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, _, err := c.run(ctx, c.dockerBin, "ps", "-q"); err != nil {
		return fmt.Errorf("docker daemon is not available: %w", err)
	}
	return nil
}

// BuildResult reports one image build
type BuildResult struct {
	Image    string        `json:"image"`
	ImageID  string        `json:"image_id,omitempty"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
}

// Build runs docker build with the given Dockerfile and context path
func (c *Client) Build(ctx context.Context, image, dockerfile, contextPath string, buildArgs map[string]string) (*BuildResult, error) {
	args := []string{"build", "-t", image, "-f", dockerfile}
	for k, v := range buildArgs {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, contextPath)

	start := time.Now()
	stdout, stderr, err := c.run(ctx, c.dockerBin, args...)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("docker build failed: %w: %s", err, lastLines(stderr, 5))
	}

	id, _, idErr := c.run(ctx, c.dockerBin, "images", "-q", image)
	result := &BuildResult{
		Image:    image,
		Duration: duration,
		Output:   lastLines(stdout+stderr, 20),
	}
	if idErr == nil {
		result.ImageID = strings.TrimSpace(id)
	}

	log.Info().Str("image", image).Dur("duration", duration).Msg("Image built")
	return result, nil
}

// Tag applies an additional tag to an image
func (c *Client) Tag(ctx context.Context, source, target string) error {
	if _, stderr, err := c.run(ctx, c.dockerBin, "tag", source, target); err != nil {
		return fmt.Errorf("docker tag failed: %w: %s", err, lastLines(stderr, 3))
	}
	return nil
}

// Push pushes an image reference to its registry
func (c *Client) Push(ctx context.Context, image string) (string, error) {
	stdout, stderr, err := c.run(ctx, c.dockerBin, "push", image)
	if err != nil {
		return "", fmt.Errorf("docker push failed: %w: %s", err, lastLines(stderr, 5))
	}
	return digestFromPushOutput(stdout), nil
}

// Inspect reports whether an image exists locally
func (c *Client) Inspect(ctx context.Context, image string) (bool, error) {
	_, _, err := c.run(ctx, c.dockerBin, "image", "inspect", image)
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

// ScanSummary is the per-severity vulnerability count from trivy
type ScanSummary struct {
	Image     string         `json:"image"`
	Counts    map[string]int `json:"counts"`
	Critical  int            `json:"critical"`
	High      int            `json:"high"`
	Total     int            `json:"total"`
	Passed    bool           `json:"passed"`
	RawReport json.RawMessage `json:"-"`
}

// Scan runs trivy against a built image. The scan passes when no
// critical vulnerabilities are present.
func (c *Client) Scan(ctx context.Context, image string) (*ScanSummary, error) {
	stdout, stderr, err := c.run(ctx, c.trivyBin, "image", "--format", "json", "--quiet", image)
	if err != nil {
		return nil, fmt.Errorf("trivy scan failed: %w: %s", err, lastLines(stderr, 5))
	}

	var report struct {
		Results []struct {
			Vulnerabilities []struct {
				Severity string `json:"Severity"`
			} `json:"Vulnerabilities"`
		} `json:"Results"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		return nil, fmt.Errorf("failed to parse trivy report: %w", err)
	}

	summary := &ScanSummary{
		Image:     image,
		Counts:    map[string]int{},
		RawReport: json.RawMessage(stdout),
	}
	for _, result := range report.Results {
		for _, vuln := range result.Vulnerabilities {
			severity := strings.ToUpper(vuln.Severity)
			summary.Counts[severity]++
			summary.Total++
			switch severity {
			case "CRITICAL":
				summary.Critical++
			case "HIGH":
				summary.High++
			}
		}
	}
	summary.Passed = summary.Critical == 0

	log.Info().
		Str("image", image).
		Int("critical", summary.Critical).
		Int("high", summary.High).
		Int("total", summary.Total).
		Msg("Image scanned")

	return summary, nil
}

func (c *Client) run(ctx context.Context, bin string, args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("%s timed out after %s", bin, c.timeout)
	}

	log.Debug().
		Str("bin", bin).
		Strs("args", args).
		Bool("ok", err == nil).
		Msg("Command executed")

	return stdout.String(), stderr.String(), err
}

func digestFromPushOutput(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if idx := strings.Index(line, "digest: "); idx >= 0 {
			rest := line[idx+len("digest: "):]
			if end := strings.IndexByte(rest, ' '); end > 0 {
				return rest[:end]
			}
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
