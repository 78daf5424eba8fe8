package migrator

import (
	"fmt"
	"sort"
)

// Registry holds Go script bodies and data loaders that descriptor files
// reference by name.
type Registry struct {
	scripts map[string]ScriptFunc
	loaders map[string]DataLoader
}

// NewRegistry creates a new Registry instance.
func NewRegistry() *Registry {
	return &Registry{scripts: map[string]ScriptFunc{}, loaders: map[string]DataLoader{}}
}

// RegisterScript adds a script body under name.
func (r *Registry) RegisterScript(name string, fn ScriptFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("script registration needs a name and a function")
	}
	if _, exists := r.scripts[name]; exists {
		return fmt.Errorf("script %q already registered", name)
	}
	r.scripts[name] = fn
	return nil
}

// RegisterLoader adds a data loader under name.
func (r *Registry) RegisterLoader(name string, fn DataLoader) error {
	if name == "" || fn == nil {
		return fmt.Errorf("loader registration needs a name and a function")
	}
	if _, exists := r.loaders[name]; exists {
		return fmt.Errorf("loader %q already registered", name)
	}
	r.loaders[name] = fn
	return nil
}

// Script returns the script registered under name.
func (r *Registry) Script(name string) (ScriptFunc, bool) {
	fn, ok := r.scripts[name]
	return fn, ok
}

// Loader returns the loader registered under name.
func (r *Registry) Loader(name string) (DataLoader, bool) {
	fn, ok := r.loaders[name]
	return fn, ok
}

// Scripts returns registered script names, sorted.
func (r *Registry) Scripts() []string { return sortedKeys(r.scripts) }

// Loaders returns registered loader names, sorted.
func (r *Registry) Loaders() []string { return sortedKeys(r.loaders) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
