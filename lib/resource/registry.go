package resource

import (
	"fmt"
	"sort"
)

// Registry maps each resource kind to its definition.
// A registry is filled once during connection setup and only read afterwards.
type Registry struct {
	defs map[Kind]*Definition
}

// NewRegistry creates a registry from the given definitions
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Kind]*Definition, len(defs))}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition. Registering a kind twice is a configuration error.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &ConfigurationError{Msg: "nil definition"}
	}
	if !def.kind.Valid() {
		return &ConfigurationError{Kind: def.kind, Msg: "unknown resource kind"}
	}
	if _, exists := r.defs[def.kind]; exists {
		return &ConfigurationError{Kind: def.kind, Msg: "kind registered twice"}
	}
	r.defs[def.kind] = def
	return nil
}

// Lookup returns the definition of kind
func (r *Registry) Lookup(kind Kind) (*Definition, bool) {
	def, ok := r.defs[kind]
	return def, ok
}

// Kinds returns the registered kinds in a stable order
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.defs))
	for k := range r.defs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry%v", r.Kinds())
}
