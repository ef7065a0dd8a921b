package tools

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/harun/caravel/pkg/analyze"
	"github.com/harun/caravel/pkg/kube"
	"github.com/harun/caravel/pkg/registry"
)

func analyzeRepositoryTool() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "analyze_repository",
		Description: "Analyzes a repository tree and detects language, framework, build system, and entry point.",
		Category:    registry.CategoryAnalysis,
		Version:     "1.0",
		Provides: []string{
			"repo_path", "app_name", "language", "language_version",
			"framework", "port", "analysis",
		},
		Parameters: []registry.ToolParameter{
			{Name: "repo_path", Type: "string", Description: "Path to the repository to analyze", Required: true},
			{Name: "language_hint", Type: "string", Description: "Primary language hint when detection is ambiguous", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			repoPath := paramString(params, "repo_path")

			analysis, err := analyze.Repository(repoPath, paramString(params, "language_hint"))
			if err != nil {
				return nil, fmt.Errorf("analysis failed: %w", err)
			}

			result := map[string]interface{}{
				"repo_path": repoPath,
				"app_name":  kube.DeploymentName(filepath.Base(analysis.Path)),
				"analysis":  analysis.Map(),
			}
			for k, v := range analysis.Map() {
				if k != "path" {
					result[k] = v
				}
			}
			return result, nil
		},
	}
}
