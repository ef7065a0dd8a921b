package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/caravel/pkg/ai"
	"github.com/harun/caravel/pkg/kube"
	"github.com/harun/caravel/pkg/registry"
)

func generateManifestsTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "generate_k8s_manifests",
		Description: "Generates Kubernetes Deployment and Service manifests for the analyzed application.",
		Category:    registry.CategoryDeployment,
		Version:     "1.0",
		Requires:    []string{"analyze_repository"},
		// Manifest generation depends on accumulated session context, so
		// it always takes the planned path.
		ForceOrchestration: true,
		Provides:           []string{"manifests", "namespace", "deployment_name"},
		Parameters: []registry.ToolParameter{
			{Name: "app_name", Type: "string", Description: "Application name", Required: true},
			{Name: "image", Type: "string", Description: "Image reference to deploy", Required: false},
			{Name: "tagged_image", Type: "string", Description: "Registry reference from the push chain", Required: false},
			{Name: "namespace", Type: "string", Description: "Target namespace", Required: false},
			{Name: "port", Type: "integer", Description: "Container port", Required: false},
			{Name: "replicas", Type: "integer", Description: "Desired replica count", Required: false},
			{Name: "analysis", Type: "object", Description: "Repository analysis result", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			appName := kube.DeploymentName(paramString(params, "app_name"))
			namespace := paramString(params, "namespace")
			if namespace == "" {
				namespace = "default"
			}

			image := paramString(params, "image")
			if image == "" {
				image = paramString(params, "tagged_image")
			}
			if image == "" {
				image = appName + ":local"
			}

			manifests, err := generateManifests(ctx, opts, appName, image, namespace, params)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"manifests":       manifests,
				"namespace":       namespace,
				"deployment_name": appName,
			}, nil
		},
	}
}

func generateManifests(ctx context.Context, opts Options, appName, image, namespace string, params map[string]interface{}) (string, error) {
	replicas := paramInt(params, "replicas", 2)

	if opts.AI == nil {
		return kube.RenderManifests(kube.ManifestSpec{
			AppName:   appName,
			Image:     image,
			Namespace: namespace,
			Port:      paramInt(params, "port", 0),
			Replicas:  replicas,
		})
	}

	prompt := ai.ManifestsPrompt(appName, image, namespace, paramMap(params, "analysis"), replicas)
	response, err := opts.AI.Generate(ctx, ai.Request{
		System: ai.ManifestsSystem(),
		Prompt: prompt,
	})
	if err != nil {
		return "", fmt.Errorf("manifest generation failed: %w", err)
	}

	return ai.StripFences(response.Text) + "\n", nil
}

func prepareClusterTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "prepare_cluster",
		Description: "Verifies cluster connectivity and ensures the target namespace exists.",
		Category:    registry.CategoryDeployment,
		Version:     "1.0",
		Provides:    []string{"cluster_ready"},
		Parameters: []registry.ToolParameter{
			{Name: "namespace", Type: "string", Description: "Namespace to ensure", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if err := opts.Kube.CheckCluster(ctx); err != nil {
				return nil, err
			}
			if err := opts.Kube.EnsureNamespace(ctx, paramString(params, "namespace")); err != nil {
				return nil, err
			}

			return map[string]interface{}{"cluster_ready": true}, nil
		},
	}
}

func deployApplicationTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "deploy_application",
		Description: "Applies the generated manifests to the prepared cluster.",
		Category:    registry.CategoryDeployment,
		Version:     "1.0",
		Requires:    []string{"push_image", "generate_k8s_manifests", "prepare_cluster"},
		Provides:    []string{"deployed", "applied_resources"},
		Parameters: []registry.ToolParameter{
			{Name: "manifests", Type: "string", Description: "Manifest YAML to apply", Required: true},
			{Name: "namespace", Type: "string", Description: "Target namespace", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			applied, err := opts.Kube.Apply(ctx,
				paramString(params, "manifests"),
				paramString(params, "namespace"),
			)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"deployed":          true,
				"applied_resources": applied,
			}, nil
		},
	}
}

func verifyDeploymentTool(opts Options) registry.ToolDefinition {
	return registry.ToolDefinition{
		Name:        "verify_deployment",
		Description: "Waits for the rollout to complete and reports replica readiness.",
		Category:    registry.CategoryDeployment,
		Version:     "1.0",
		Requires:    []string{"deploy_application"},
		Provides:    []string{"verified"},
		Parameters: []registry.ToolParameter{
			{Name: "deployment_name", Type: "string", Description: "Deployment to verify", Required: true},
			{Name: "namespace", Type: "string", Description: "Target namespace", Required: false},
			{Name: "timeout_seconds", Type: "integer", Description: "Rollout wait timeout", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			deployment := paramString(params, "deployment_name")
			namespace := paramString(params, "namespace")
			timeout := time.Duration(paramInt(params, "timeout_seconds", 120)) * time.Second

			if err := opts.Kube.RolloutStatus(ctx, deployment, namespace, timeout); err != nil {
				return nil, err
			}

			ready, desired, err := opts.Kube.ReadyReplicas(ctx, deployment, namespace)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"verified": true,
				"ready":    ready,
				"desired":  desired,
			}, nil
		},
	}
}
