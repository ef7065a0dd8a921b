package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/caravel/pkg/ai"
	"github.com/harun/caravel/pkg/dockerx"
	"github.com/harun/caravel/pkg/kernel"
	"github.com/harun/caravel/pkg/registry"
)

func resolveBaseImagesTool() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "resolve_base_images",
		Description: "Resolves build and runtime base images for the detected language and version.",
		Category:    registry.CategoryAnalysis,
		Version:     "1.0",
		Requires:    []string{"analyze_repository"},
		Provides:    []string{"base_image", "runtime_image"},
		Parameters: []registry.ToolParameter{
			{Name: "language", Type: "string", Description: "Language to resolve images for", Required: true},
			{Name: "language_version", Type: "string", Description: "Version hint constraining the choice", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			pair, err := dockerx.ResolveBaseImages(
				paramString(params, "language"),
				paramString(params, "language_version"),
			)
			if err != nil {
				// No catalog entry is a terminal outcome, not a transient one.
				return kernel.Result{
					Success: false,
					Code:    kernel.CodeHandlerFailure,
					Error:   err.Error(),
				}, nil
			}

			return map[string]interface{}{
				"base_image":    pair.Build,
				"runtime_image": pair.Runtime,
			}, nil
		},
	}
}

func generateDockerfileTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "generate_dockerfile",
		Description: "Generates a Dockerfile for the analyzed repository, via AI when configured.",
		Category:    registry.CategoryGeneration,
		Version:     "1.0",
		Requires:    []string{"resolve_base_images"},
		Provides:    []string{"dockerfile", "dockerfile_path"},
		Parameters: []registry.ToolParameter{
			{Name: "repo_path", Type: "string", Description: "Repository the Dockerfile is written into", Required: true},
			{Name: "base_image", Type: "string", Description: "Build stage base image", Required: true},
			{Name: "runtime_image", Type: "string", Description: "Runtime stage base image", Required: false},
			{Name: "analysis", Type: "object", Description: "Repository analysis result", Required: false},
			{Name: "custom_instructions", Type: "string", Description: "Extra instructions for generation", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			repoPath := paramString(params, "repo_path")
			baseImage := paramString(params, "base_image")
			runtimeImage := paramString(params, "runtime_image")
			analysis := paramMap(params, "analysis")

			content, err := generateDockerfile(ctx, opts, analysis, baseImage, runtimeImage, paramString(params, "custom_instructions"))
			if err != nil {
				return nil, err
			}

			path := filepath.Join(repoPath, "Dockerfile")
			if _, statErr := os.Stat(path); statErr == nil {
				// Never clobber a hand-written Dockerfile.
				path = filepath.Join(repoPath, "Dockerfile.caravel")
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("failed to write Dockerfile: %w", err)
			}

			return map[string]interface{}{
				"dockerfile":      content,
				"dockerfile_path": path,
			}, nil
		},
	}
}

func generateDockerfile(ctx context.Context, opts Options, analysis map[string]interface{}, baseImage, runtimeImage, custom string) (string, error) {
	if opts.AI == nil {
		return fallbackDockerfile(analysis, baseImage, runtimeImage), nil
	}

	query := fmt.Sprintf("%v %v", analysis["language"], analysis["framework"])
	snippets := opts.Knowledge.Match(query)

	prompt := ai.DockerfilePrompt(analysis, baseImage, runtimeImage, snippets)
	if custom != "" {
		prompt += "\nAdditional instructions:\n" + custom
	}

	response, err := opts.AI.Generate(ctx, ai.Request{
		System: ai.DockerfileSystem(),
		Prompt: prompt,
	})
	if err != nil {
		return "", fmt.Errorf("dockerfile generation failed: %w", err)
	}

	return ai.StripFences(response.Text) + "\n", nil
}

// fallbackDockerfile renders a minimal multi-stage Dockerfile when no AI
// provider is configured. Language-aware only for the common cases.
func fallbackDockerfile(analysis map[string]interface{}, baseImage, runtimeImage string) string {
	language, _ := analysis["language"].(string)
	port := 8080
	if p, ok := analysis["port"].(float64); ok {
		port = int(p)
	} else if p, ok := analysis["port"].(int); ok {
		port = p
	}
	if runtimeImage == "" {
		runtimeImage = baseImage
	}

	switch language {
	case "go":
		return fmt.Sprintf(`FROM %s AS builder
WORKDIR /src
COPY go.mod go.sum ./
RUN go mod download
COPY . .
RUN CGO_ENABLED=0 go build -o /out/app .

FROM %s
COPY --from=builder /out/app /app
EXPOSE %d
USER nonroot
ENTRYPOINT ["/app"]
`, baseImage, runtimeImage, port)
	case "javascript", "typescript":
		return fmt.Sprintf(`FROM %s AS builder
WORKDIR /src
COPY package*.json ./
RUN npm ci
COPY . .
RUN npm run build --if-present

FROM %s
WORKDIR /srv
COPY --from=builder /src .
RUN npm ci --omit=dev
EXPOSE %d
USER node
CMD ["node", "."]
`, baseImage, runtimeImage, port)
	default:
		return fmt.Sprintf(`FROM %s
WORKDIR /app
COPY . .
EXPOSE %d
USER 1000
CMD ["/bin/sh", "-c", "echo 'entrypoint not configured' && exit 1"]
`, baseImage, port)
	}
}

func validateDockerfileTool() registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "validate_dockerfile",
		Description: "Statically validates a Dockerfile for correctness and container hygiene.",
		Category:    registry.CategoryGeneration,
		Version:     "1.0",
		Requires:    []string{"generate_dockerfile"},
		Provides:    []string{"dockerfile_valid"},
		Parameters: []registry.ToolParameter{
			{Name: "dockerfile", Type: "string", Description: "Dockerfile content to validate", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			result := dockerx.Lint(paramString(params, "dockerfile"))
			if !result.Valid {
				return kernel.Result{
					Success:  false,
					Code:     kernel.CodeHandlerFailure,
					Error:    "dockerfile failed validation",
					Metadata: map[string]interface{}{"issues": result.Issues},
				}, nil
			}

			return map[string]interface{}{
				"dockerfile_valid": true,
				"issues":           result.Issues,
			}, nil
		},
	}
}

func buildImageTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "build_image",
		Description: "Builds the container image from the generated Dockerfile.",
		Category:    registry.CategoryBuild,
		Version:     "1.0",
		Requires:    []string{"validate_dockerfile"},
		Provides:    []string{"image", "image_id"},
		Parameters: []registry.ToolParameter{
			{Name: "repo_path", Type: "string", Description: "Build context directory", Required: true},
			{Name: "dockerfile_path", Type: "string", Description: "Path to the Dockerfile", Required: true},
			{Name: "app_name", Type: "string", Description: "Application name used for the default tag", Required: false},
			{Name: "image", Type: "string", Description: "Image reference to build; defaults to <app_name>:local", Required: false},
			{Name: "build_args", Type: "object", Description: "Docker build arguments", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			image := paramString(params, "image")
			if image == "" {
				app := paramString(params, "app_name")
				if app == "" {
					app = filepath.Base(paramString(params, "repo_path"))
				}
				image = strings.ToLower(app) + ":local"
			}

			result, err := opts.Docker.Build(ctx,
				image,
				paramString(params, "dockerfile_path"),
				paramString(params, "repo_path"),
				paramStringMap(params, "build_args"),
			)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"image":    result.Image,
				"image_id": result.ImageID,
				"duration": result.Duration.String(),
			}, nil
		},
	}
}

func scanImageTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "scan_image",
		Description: "Scans the built image for vulnerabilities; fails on critical findings.",
		Category:    registry.CategoryBuild,
		Version:     "1.0",
		Requires:    []string{"build_image"},
		Provides:    []string{"scan_passed"},
		Parameters: []registry.ToolParameter{
			{Name: "image", Type: "string", Description: "Image reference to scan", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			summary, err := opts.Docker.Scan(ctx, paramString(params, "image"))
			if err != nil {
				return nil, err
			}

			if !summary.Passed {
				return kernel.Result{
					Success: false,
					Code:    kernel.CodeHandlerFailure,
					Error:   fmt.Sprintf("image has %d critical vulnerabilities", summary.Critical),
					Metadata: map[string]interface{}{
						"critical": summary.Critical,
						"high":     summary.High,
						"total":    summary.Total,
					},
				}, nil
			}

			return map[string]interface{}{
				"scan_passed": true,
				"critical":    summary.Critical,
				"high":        summary.High,
				"total":       summary.Total,
			}, nil
		},
	}
}

func tagImageTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "tag_image",
		Description: "Tags the built image with its registry destination reference.",
		Category:    registry.CategoryBuild,
		Version:     "1.0",
		Requires:    []string{"build_image"},
		Provides:    []string{"tagged_image"},
		Parameters: []registry.ToolParameter{
			{Name: "image", Type: "string", Description: "Source image reference", Required: true},
			{Name: "tag", Type: "string", Description: "Target reference, e.g. registry.example.com/app:1.0", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			target := paramString(params, "tag")
			if err := opts.Docker.Tag(ctx, paramString(params, "image"), target); err != nil {
				return nil, err
			}

			return map[string]interface{}{"tagged_image": target}, nil
		},
	}
}

func pushImageTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "push_image",
		Description: "Pushes the tagged image to its registry.",
		Category:    registry.CategoryBuild,
		Version:     "1.0",
		Requires:    []string{"tag_image"},
		Provides:    []string{"pushed_image", "digest"},
		Parameters: []registry.ToolParameter{
			{Name: "tagged_image", Type: "string", Description: "Image reference to push", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			image := paramString(params, "tagged_image")
			digest, err := opts.Docker.Push(ctx, image)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"pushed_image": image,
				"digest":       digest,
			}, nil
		},
	}
}
