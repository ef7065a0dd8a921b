package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ToolCategory groups tools by the kind of work they perform
type ToolCategory string

const (
	CategoryAnalysis   ToolCategory = "analysis"
	CategoryGeneration ToolCategory = "generation"
	CategoryBuild      ToolCategory = "build"
	CategoryDeployment ToolCategory = "deployment"
	CategoryUtility    ToolCategory = "utility"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata, contract, and handler.
// Immutable once registered.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
	Requires    []string        `json:"requires,omitempty"`
	Provides    []string        `json:"provides,omitempty"`
	Category    ToolCategory    `json:"category,omitempty"`
	Version     string          `json:"version,omitempty"`

	// ForceOrchestration routes the tool through the planned path even
	// when it declares no dependencies.
	ForceOrchestration bool `json:"force_orchestration,omitempty"`
}

// Registry is a static lookup of tool name to definition
type Registry struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// New creates an empty Registry
func New() *Registry {
	return &Registry{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register registers a tool. The last registration for a given name wins
// silently; the overwrite is logged but not treated as an error.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		log.Warn().Str("tool", def.Name).Msg("Tool re-registered, previous definition replaced")
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().
		Str("tool", def.Name).
		Str("category", string(def.Category)).
		Strs("requires", def.Requires).
		Msg("Tool registered")

	return nil
}

// Get returns a tool definition by name, or nil if it is not registered
func (r *Registry) Get(name string) *ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns all registered tool names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// ValidateParams validates parameters against a tool's schema contract.
// The returned error lists every failing field path.
func (r *Registry) ValidateParams(name string, params map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return fmt.Errorf("tool not found: %s", name)
	}

	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		fields := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			fields = append(fields, verr.String())
		}
		return fmt.Errorf("parameter validation failed: %s", strings.Join(fields, "; "))
	}

	return nil
}

func validateDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}

	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// compileSchema generates a JSON Schema from tool parameters
func compileSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}
