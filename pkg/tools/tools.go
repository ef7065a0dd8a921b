// Package tools registers the containerization workflow tools: thin
// handlers over the analyze, ai, dockerx, and kube boundary packages,
// chained through their declared dependencies.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/caravel/pkg/ai"
	"github.com/harun/caravel/pkg/dockerx"
	"github.com/harun/caravel/pkg/knowledge"
	"github.com/harun/caravel/pkg/kube"
	"github.com/harun/caravel/pkg/registry"
)

// Options carries the boundary clients the workflow tools call into.
// AI is optional; generation tools fall back to deterministic templates
// without it.
type Options struct {
	AI        *ai.Client
	Knowledge *knowledge.Base
	Docker    *dockerx.Client
	Kube      *kube.Client
	Version   string
	StartTime time.Time
}

// RegisterWorkflowTools registers every workflow tool into the registry
func RegisterWorkflowTools(reg *registry.Registry, opts Options) error {
	if reg == nil {
		return errors.New("registry is required")
	}
	if opts.Docker == nil {
		opts.Docker = dockerx.NewClient()
	}
	if opts.Kube == nil {
		opts.Kube = kube.NewClient()
	}
	if opts.Knowledge == nil {
		opts.Knowledge = knowledge.Default()
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}

	defs := []registry.ToolDefinition{
		pingTool(),
		serverStatusTool(reg, opts),
		analyzeRepositoryTool(),
		resolveBaseImagesTool(),
		generateDockerfileTool(opts),
		validateDockerfileTool(),
		buildImageTool(opts),
		scanImageTool(opts),
		tagImageTool(opts),
		pushImageTool(opts),
		generateManifestsTool(opts),
		prepareClusterTool(opts),
		deployApplicationTool(opts),
		verifyDeploymentTool(opts),
	}

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

func pingTool() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "ping",
		Description: "Liveness check. Echoes an optional message back with a timestamp.",
		Category:    registry.CategoryUtility,
		Version:     "1.0",
		Parameters: []registry.ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo back", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			result := map[string]interface{}{
				"status":    "pong",
				"timestamp": time.Now().Format(time.RFC3339),
			}
			if msg := paramString(params, "message"); msg != "" {
				result["message"] = msg
			}
			return result, nil
		},
	}
}

func serverStatusTool(reg *registry.Registry, opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "server_status",
		Description: "Reports server version, uptime, and registered tool count.",
		Category:    registry.CategoryUtility,
		Version:     "1.0",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"version": opts.Version,
				"uptime":  time.Since(opts.StartTime).Round(time.Second).String(),
				"tools":   reg.Count(),
			}, nil
		},
	}
}

func paramString(params map[string]interface{}, key string) string {
	s, _ := params[key].(string)
	return s
}

func paramInt(params map[string]interface{}, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func paramMap(params map[string]interface{}, key string) map[string]interface{} {
	m, _ := params[key].(map[string]interface{})
	return m
}

func paramStringMap(params map[string]interface{}, key string) map[string]string {
	raw := paramMap(params, key)
	if raw == nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
