package specialist

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/creatorhq/maestro/fault"
)

type (
	// Registry resolves specialist kinds to implementations. Registration
	// happens at composition time; lookups are concurrent and cheap.
	Registry struct {
		mu          sync.RWMutex
		specialists map[string]Specialist
		schemas     map[string]*jsonschema.Schema
	}

	// ContextSchema is implemented by specialists that constrain the request
	// context they accept. The adapter validates the context against the
	// schema before dispatch and fails the call with a validation fault on
	// mismatch, so malformed context never reaches the specialist.
	ContextSchema interface {
		// ContextSchema returns a JSON Schema document for the request
		// context. Empty means no constraint.
		ContextSchema() []byte
	}
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		specialists: make(map[string]Specialist),
		schemas:     make(map[string]*jsonschema.Schema),
	}
}

// Register adds a specialist under its kind. Registering an empty kind or
// the same kind twice is a configuration fault; if the specialist declares a
// context schema it is compiled here so invalid schemas fail at startup.
func (r *Registry) Register(s Specialist) error {
	if s == nil {
		return fault.New(fault.KindConfiguration, "specialist is nil")
	}
	kind := s.Kind()
	if kind == "" {
		return fault.New(fault.KindConfiguration, "specialist kind is empty")
	}

	var schema *jsonschema.Schema
	if cs, ok := s.(ContextSchema); ok {
		if raw := cs.ContextSchema(); len(raw) > 0 {
			compiled, err := compileSchema(raw)
			if err != nil {
				return fault.Wrap(fault.KindConfiguration,
					fmt.Sprintf("specialist %q context schema", kind), err)
			}
			schema = compiled
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specialists[kind]; exists {
		return fault.Newf(fault.KindConfiguration, "specialist %q is already registered", kind)
	}
	r.specialists[kind] = s
	if schema != nil {
		r.schemas[kind] = schema
	}
	return nil
}

// Get returns the specialist registered under kind.
func (r *Registry) Get(kind string) (Specialist, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specialists[kind]
	return s, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	kinds := make([]string, 0, len(r.specialists))
	for k := range r.specialists {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	sort.Strings(kinds)
	return kinds
}

// ValidateContext checks a request context against the kind's declared
// schema. Kinds without a schema accept anything.
func (r *Registry) ValidateContext(kind string, context map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	// Round-trip through JSON so typed values inside the context map compare
	// the way the schema expects.
	raw, err := json.Marshal(context)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "context is not serializable", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fault.Wrap(fault.KindValidation, "context is not serializable", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.Wrap(fault.KindValidation,
			fmt.Sprintf("context rejected by %s schema", kind), err)
	}
	return nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}
