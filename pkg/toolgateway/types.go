package toolgateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Tool is one invocable capability. Namespaced tools use the
// "provider__name" convention for their full name.
type Tool struct {
	Name        string
	Provider    string
	Description string
	InputSchema map[string]interface{}
	Mutating    bool
	Execute     func(ctx context.Context, input map[string]interface{}) (string, error)
}

// Set is a registry of tools with compiled input schemas.
type Set struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

// NewSet creates an empty tool set.
func NewSet() *Set {
	return &Set{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register validates and adds a tool. The input schema is compiled once at
// registration time.
func (s *Set) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %s has no executor", tool.Name)
	}

	var schema *gojsonschema.Schema
	if tool.InputSchema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.InputSchema))
		if err != nil {
			return fmt.Errorf("failed to compile schema for %s: %w", tool.Name, err)
		}
		schema = compiled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}

	s.tools[tool.Name] = tool
	s.schemas[tool.Name] = schema

	log.Info().Str("tool", tool.Name).Bool("mutating", tool.Mutating).Msg("Tool registered")
	return nil
}

// Get returns a tool by its full name.
func (s *Set) Get(name string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tool, ok := s.tools[name]
	return tool, ok
}

// List returns all registered tools.
func (s *Set) List() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, tool := range s.tools {
		tools = append(tools, tool)
	}
	return tools
}

// Count returns the number of registered tools.
func (s *Set) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.tools)
}

// validate checks input against the tool's compiled schema.
func (s *Set) validate(name string, input map[string]interface{}) error {
	s.mu.RLock()
	schema := s.schemas[name]
	s.mu.RUnlock()

	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("input validation failed: %v", msgs)
	}
	return nil
}
