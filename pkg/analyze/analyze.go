// Package analyze inspects a repository tree and reports the language,
// framework, and build signals later workflow steps depend on.
package analyze

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Analysis is the detection result for one repository
type Analysis struct {
	Path            string   `json:"path"`
	Language        string   `json:"language"`
	LanguageVersion string   `json:"language_version,omitempty"`
	Framework       string   `json:"framework,omitempty"`
	BuildSystem     string   `json:"build_system,omitempty"`
	EntryPoint      string   `json:"entry_point,omitempty"`
	Port            int      `json:"port,omitempty"`
	HasDockerfile   bool     `json:"has_dockerfile"`
	Dependencies    []string `json:"dependencies,omitempty"`
}

// marker maps a detection file to the language and build system it implies
type marker struct {
	file        string
	language    string
	buildSystem string
}

// Checked in order; the first marker found wins.
var markers = []marker{
	{"go.mod", "go", "go modules"},
	{"package.json", "javascript", "npm"},
	{"pom.xml", "java", "maven"},
	{"build.gradle", "java", "gradle"},
	{"build.gradle.kts", "java", "gradle"},
	{"pyproject.toml", "python", "poetry"},
	{"requirements.txt", "python", "pip"},
	{"Cargo.toml", "rust", "cargo"},
	{"Gemfile", "ruby", "bundler"},
	{"composer.json", "php", "composer"},
}

var goVersionRe = regexp.MustCompile(`(?m)^go\s+(\d+\.\d+(?:\.\d+)?)`)

// Repository analyzes the repository rooted at path. A language hint
// overrides detection when it conflicts; detection signals still fill in
// the rest.
func Repository(path, languageHint string) (*Analysis, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("repository path not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path is not a directory: %s", path)
	}

	analysis := &Analysis{Path: path}

	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(path, m.file)); err == nil {
			analysis.Language = m.language
			analysis.BuildSystem = m.buildSystem
			break
		}
	}

	if languageHint != "" {
		analysis.Language = strings.ToLower(languageHint)
	}
	if analysis.Language == "" {
		analysis.Language = detectBySource(path)
	}
	if analysis.Language == "" {
		return nil, fmt.Errorf("could not detect a language in %s", path)
	}

	switch analysis.Language {
	case "go":
		analyzeGo(path, analysis)
	case "javascript", "typescript":
		analyzeNode(path, analysis)
	case "java":
		analyzeJava(path, analysis)
	case "python":
		analyzePython(path, analysis)
	}

	if _, err := os.Stat(filepath.Join(path, "Dockerfile")); err == nil {
		analysis.HasDockerfile = true
	}
	if analysis.Port == 0 {
		analysis.Port = defaultPort(analysis.Language)
	}

	log.Debug().
		Str("path", path).
		Str("language", analysis.Language).
		Str("framework", analysis.Framework).
		Msg("Repository analyzed")

	return analysis, nil
}

// Map flattens the analysis for session data and prompt building
func (a *Analysis) Map() map[string]interface{} {
	return map[string]interface{}{
		"path":             a.Path,
		"language":         a.Language,
		"language_version": a.LanguageVersion,
		"framework":        a.Framework,
		"build_system":     a.BuildSystem,
		"entry_point":      a.EntryPoint,
		"port":             a.Port,
		"has_dockerfile":   a.HasDockerfile,
	}
}

func detectBySource(path string) string {
	counts := map[string]int{}
	exts := map[string]string{
		".go": "go", ".js": "javascript", ".ts": "typescript",
		".java": "java", ".py": "python", ".rb": "ruby", ".rs": "rust",
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if lang, ok := exts[filepath.Ext(entry.Name())]; ok {
			counts[lang]++
		}
	}

	best, bestCount := "", 0
	for lang, count := range counts {
		if count > bestCount {
			best, bestCount = lang, count
		}
	}
	return best
}

func analyzeGo(path string, analysis *Analysis) {
	data, err := os.ReadFile(filepath.Join(path, "go.mod"))
	if err != nil {
		return
	}

	if m := goVersionRe.FindSubmatch(data); m != nil {
		analysis.LanguageVersion = string(m[1])
	}

	frameworks := map[string]string{
		"github.com/gin-gonic/gin":   "gin",
		"github.com/labstack/echo":   "echo",
		"github.com/gofiber/fiber":   "fiber",
		"github.com/go-chi/chi":      "chi",
		"github.com/gorilla/mux":     "gorilla",
		"google.golang.org/grpc":     "grpc",
	}
	text := string(data)
	for dep, name := range frameworks {
		if strings.Contains(text, dep) {
			analysis.Framework = name
			analysis.Dependencies = append(analysis.Dependencies, dep)
		}
	}

	for _, candidate := range []string{"main.go", "cmd"} {
		if _, err := os.Stat(filepath.Join(path, candidate)); err == nil {
			analysis.EntryPoint = candidate
			break
		}
	}
}

func analyzeNode(path string, analysis *Analysis) {
	data, err := os.ReadFile(filepath.Join(path, "package.json"))
	if err != nil {
		return
	}

	var pkg struct {
		Main            string            `json:"main"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Engines         map[string]string `json:"engines"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return
	}

	if pkg.Main != "" {
		analysis.EntryPoint = pkg.Main
	}
	if node, ok := pkg.Engines["node"]; ok {
		analysis.LanguageVersion = strings.TrimLeft(node, "^>=~ ")
	}
	if _, ok := pkg.DevDependencies["typescript"]; ok {
		analysis.Language = "typescript"
	}

	for _, fw := range []string{"next", "nestjs", "@nestjs/core", "express", "fastify", "koa", "react"} {
		if _, ok := pkg.Dependencies[fw]; ok {
			analysis.Framework = strings.TrimPrefix(fw, "@nestjs/")
			if fw == "@nestjs/core" {
				analysis.Framework = "nestjs"
			}
			break
		}
	}
	for dep := range pkg.Dependencies {
		analysis.Dependencies = append(analysis.Dependencies, dep)
	}
}

func analyzeJava(path string, analysis *Analysis) {
	data, err := os.ReadFile(filepath.Join(path, "pom.xml"))
	if err != nil {
		// Gradle projects carry the same signals in build.gradle.
		data, err = os.ReadFile(filepath.Join(path, "build.gradle"))
		if err != nil {
			return
		}
	}

	text := string(data)
	switch {
	case strings.Contains(text, "spring-boot"):
		analysis.Framework = "spring-boot"
	case strings.Contains(text, "quarkus"):
		analysis.Framework = "quarkus"
	case strings.Contains(text, "micronaut"):
		analysis.Framework = "micronaut"
	}
}

func analyzePython(path string, analysis *Analysis) {
	for _, file := range []string{"requirements.txt", "pyproject.toml"} {
		data, err := os.ReadFile(filepath.Join(path, file))
		if err != nil {
			continue
		}
		text := strings.ToLower(string(data))
		switch {
		case strings.Contains(text, "django"):
			analysis.Framework = "django"
		case strings.Contains(text, "fastapi"):
			analysis.Framework = "fastapi"
		case strings.Contains(text, "flask"):
			analysis.Framework = "flask"
		}
		break
	}

	for _, candidate := range []string{"main.py", "app.py", "manage.py"} {
		if _, err := os.Stat(filepath.Join(path, candidate)); err == nil {
			analysis.EntryPoint = candidate
			break
		}
	}
}

func defaultPort(language string) int {
	switch language {
	case "go":
		return 8080
	case "javascript", "typescript":
		return 3000
	case "python":
		return 8000
	case "java":
		return 8080
	default:
		return 8080
	}
}
