package chunker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/astrobuf/errors"
)

// Registry maps chunker type names to factories. It is filled at startup
// and handed to whatever builds chunkers from configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a type twice is an error.
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || f == nil {
		return errors.WrapInvalid(fmt.Errorf("empty chunker type or nil factory"),
			"Registry", "Register", "validate factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return errors.WrapInvalid(fmt.Errorf("chunker type %q already registered", typ),
			"Registry", "Register", "register factory")
	}
	r.factories[typ] = f
	return nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// New constructs a chunker of cfg.Type. An unknown type is a fatal
// configuration error.
func (r *Registry) New(cfg Config, deps Deps) (Chunker, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.ConfigError("chunker:"+cfg.Name, "type",
			"unknown chunker type %q (have %v)", cfg.Type, r.Types())
	}
	return f(cfg, deps)
}

// NewRunner constructs a chunker of cfg.Type and wraps it in a Runner.
func (r *Registry) NewRunner(cfg Config, deps Deps) (*Runner, error) {
	c, err := r.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	return NewRunner(cfg, c, deps), nil
}
