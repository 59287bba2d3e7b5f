package tool

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/klaus-code/agentd/internal/errs"
	"github.com/klaus-code/agentd/internal/store"
)

// Registry holds the closed set of tools exposed to the model, grounded on
// the teacher's internal/tool/registry.go (a name-keyed map guarded by a
// mutex, with Register/Get/List/IDs), generalized to validate every input
// against its declared JSON Schema before a handler ever runs.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Definition
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition), schemas: make(map[string]*jsonschema.Schema)}
}

// DefaultRegistry builds the closed tool set every agent session dispatches
// against, mirroring the teacher's DefaultRegistry(workDir, store) in shape
// (one constructor wiring every tool against a workspace and a store) while
// swapping in this module's own tool set.
func DefaultRegistry(st *store.Store) *Registry {
	r := NewRegistry()
	r.Register(ReadFileDefinition())
	r.Register(WriteFileDefinition())
	r.Register(ListDirDefinition())
	r.Register(EditFileDefinition())
	r.Register(GlobDefinition())
	r.Register(GrepDefinition())
	r.Register(BashDefinition())
	r.Register(GitStatusDefinition())
	r.Register(GitDiffDefinition())
	r.Register(GitCheckpointDefinition())
	r.Register(ApplyPatchDefinition())
	r.Register(KnowledgeSetDefinition(st))
	r.Register(KnowledgeGetDefinition(st))
	return r
}

// Register compiles def's input schema and adds it to the registry. Panics
// on an invalid schema or a duplicate tool name — both are configuration
// errors caught at startup, not runtime conditions.
func (r *Registry) Register(def Definition) {
	compiler := jsonschema.NewCompiler()
	var schemaDoc any
	if err := json.Unmarshal(def.InputSchema, &schemaDoc); err != nil {
		panic(fmt.Sprintf("tool %q: invalid input schema: %v", def.Name, err))
	}
	resourceURL := "mem://" + def.Name + ".json"
	if err := compiler.AddResource(resourceURL, schemaDoc); err != nil {
		panic(fmt.Sprintf("tool %q: add schema resource: %v", def.Name, err))
	}
	schema, err := compiler.Compile(resourceURL)
	if err != nil {
		panic(fmt.Sprintf("tool %q: compile schema: %v", def.Name, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		panic(fmt.Sprintf("tool %q already registered", def.Name))
	}
	r.tools[def.Name] = def
	r.schemas[def.Name] = schema
}

// Get returns the named tool's definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns every registered tool's definition.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	return out
}

// Validate checks input against name's compiled schema.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.Validation, fmt.Sprintf("unknown tool %q", name))
	}

	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return errs.Wrap(errs.Validation, "invalid tool input JSON", err)
	}
	if err := schema.Validate(v); err != nil {
		return errs.Wrap(errs.Validation, fmt.Sprintf("tool %q input failed schema validation", name), err)
	}
	return nil
}
