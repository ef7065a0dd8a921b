package ai

import (
	"fmt"
	"strings"
)

const dockerfileSystem = `You are an expert at writing production Dockerfiles.
Respond with only the Dockerfile content, no markdown fences and no commentary.
Prefer multi-stage builds, pinned base images, a non-root runtime user, and a
minimal final layer.`

const manifestsSystem = `You are an expert at writing Kubernetes manifests.
Respond with only YAML documents separated by ---, no markdown fences and no
commentary. Always set resource requests and limits, liveness and readiness
probes, and runAsNonRoot.`

// DockerfilePrompt builds the generation prompt for a repository whose
// analysis and base image resolution have already run.
func DockerfilePrompt(analysis map[string]interface{}, baseImage, runtimeImage string, snippets []string) string {
	var b strings.Builder

	b.WriteString("Generate a Dockerfile for the following repository.\n\n")
	writeField(&b, "Language", analysis["language"])
	writeField(&b, "Language version", analysis["language_version"])
	writeField(&b, "Framework", analysis["framework"])
	writeField(&b, "Build system", analysis["build_system"])
	writeField(&b, "Entry point", analysis["entry_point"])
	writeField(&b, "Exposed port", analysis["port"])

	fmt.Fprintf(&b, "\nBuild stage base image: %s\n", baseImage)
	if runtimeImage != "" && runtimeImage != baseImage {
		fmt.Fprintf(&b, "Runtime stage base image: %s\n", runtimeImage)
	}

	if len(snippets) > 0 {
		b.WriteString("\nRelevant guidance:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	return b.String()
}

// ManifestsPrompt builds the generation prompt for Kubernetes manifests
func ManifestsPrompt(appName, image, namespace string, analysis map[string]interface{}, replicas int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Generate Kubernetes manifests (Deployment and Service) for application %q.\n\n", appName)
	fmt.Fprintf(&b, "Image: %s\n", image)
	fmt.Fprintf(&b, "Namespace: %s\n", namespace)
	fmt.Fprintf(&b, "Replicas: %d\n", replicas)
	writeField(&b, "Language", analysis["language"])
	writeField(&b, "Framework", analysis["framework"])
	writeField(&b, "Container port", analysis["port"])

	return b.String()
}

// DockerfileSystem returns the system prompt for Dockerfile generation
func DockerfileSystem() string { return dockerfileSystem }

// ManifestsSystem returns the system prompt for manifest generation
func ManifestsSystem() string { return manifestsSystem }

// StripFences removes markdown code fences a model may wrap its output in
// despite instructions.
func StripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}

	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func writeField(b *strings.Builder, label string, value interface{}) {
	if value == nil {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	fmt.Fprintf(b, "%s: %v\n", label, value)
}
