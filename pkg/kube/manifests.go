package kube

import (
	"fmt"
	"strings"
	"text/template"
)

// ManifestSpec is everything the deterministic manifest template needs
type ManifestSpec struct {
	AppName   string
	Image     string
	Namespace string
	Port      int
	Replicas  int
}

const manifestTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .AppName }}
  namespace: {{ .Namespace }}
  labels:
    app: {{ .AppName }}
spec:
  replicas: {{ .Replicas }}
  selector:
    matchLabels:
      app: {{ .AppName }}
  template:
    metadata:
      labels:
        app: {{ .AppName }}
    spec:
      securityContext:
        runAsNonRoot: true
      containers:
        - name: {{ .AppName }}
          image: {{ .Image }}
          ports:
            - containerPort: {{ .Port }}
          resources:
            requests:
              cpu: 100m
              memory: 128Mi
            limits:
              cpu: 500m
              memory: 512Mi
          livenessProbe:
            tcpSocket:
              port: {{ .Port }}
            initialDelaySeconds: 10
            periodSeconds: 20
          readinessProbe:
            tcpSocket:
              port: {{ .Port }}
            initialDelaySeconds: 5
            periodSeconds: 10
---
apiVersion: v1
kind: Service
metadata:
  name: {{ .AppName }}
  namespace: {{ .Namespace }}
  labels:
    app: {{ .AppName }}
spec:
  selector:
    app: {{ .AppName }}
  ports:
    - port: 80
      targetPort: {{ .Port }}
`

var manifestTmpl = template.Must(template.New("manifests").Parse(manifestTemplate))

// RenderManifests produces Deployment and Service YAML from the spec.
// This is the deterministic path; AI generation layers on top of it.
func RenderManifests(spec ManifestSpec) (string, error) {
	if spec.AppName == "" {
		return "", fmt.Errorf("app name is required")
	}
	if spec.Image == "" {
		return "", fmt.Errorf("image is required")
	}
	if spec.Namespace == "" {
		spec.Namespace = "default"
	}
	if spec.Port <= 0 {
		spec.Port = 8080
	}
	if spec.Replicas <= 0 {
		spec.Replicas = 2
	}

	var b strings.Builder
	if err := manifestTmpl.Execute(&b, spec); err != nil {
		return "", fmt.Errorf("failed to render manifests: %w", err)
	}
	return b.String(), nil
}

// DeploymentName derives a DNS-safe deployment name from an app name
func DeploymentName(appName string) string {
	name := strings.ToLower(appName)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	name = strings.Trim(name, "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
