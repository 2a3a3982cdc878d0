// Package registry holds the immutable catalog of modules available to the
// engine and selects the subset a scan needs.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aegisflux/scanengine/internal/model"
	"github.com/aegisflux/scanengine/internal/module"
)

var (
	// ErrUnknownModule is reported for a requested module name not in the catalog
	ErrUnknownModule = errors.New("unknown module")
	// ErrDuplicateModule is returned when two entries share a name
	ErrDuplicateModule = errors.New("duplicate module")
)

// Entry is one catalog row
type Entry struct {
	Descriptor module.Descriptor
	Factory    module.Factory
}

// FromFactory builds an entry by asking a fresh instance for its descriptor
func FromFactory(f module.Factory) Entry {
	return Entry{Descriptor: f().Descriptor(), Factory: f}
}

// Registry is built once at process start and shared read-only by every scan
type Registry struct {
	entries map[string]Entry
	names   []string
	graph   *Graph
}

// New validates and indexes entries
func New(entries ...Entry) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if e.Factory == nil {
			return nil, fmt.Errorf("module %q has no factory", e.Descriptor.Name)
		}
		if err := e.Descriptor.Validate(); err != nil {
			return nil, fmt.Errorf("invalid descriptor: %w", err)
		}
		if _, ok := r.entries[e.Descriptor.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModule, e.Descriptor.Name)
		}
		r.entries[e.Descriptor.Name] = e
		r.names = append(r.names, e.Descriptor.Name)
	}
	sort.Strings(r.names)
	r.graph = buildGraph(r.descriptors())
	return r, nil
}

func (r *Registry) descriptors() []module.Descriptor {
	out := make([]module.Descriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.entries[n].Descriptor)
	}
	return out
}

// Get returns the entry for name
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns all module names in sorted order
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Descriptors returns every descriptor in name order
func (r *Registry) Descriptors() []module.Descriptor {
	return r.descriptors()
}

// Len returns the number of registered modules
func (r *Registry) Len() int {
	return len(r.names)
}

// Graph returns the dependency graph over the whole catalog
func (r *Registry) Graph() *Graph {
	return r.graph
}

// RegisterTypes adds every type a module mentions that the catalog does not
// know yet
func (r *Registry) RegisterTypes(catalog *model.Catalog) {
	for _, d := range r.descriptors() {
		for _, t := range append(append([]model.FindingType(nil), d.Watches...), d.Produces...) {
			if !catalog.Known(t) {
				catalog.Register(t, "")
			}
		}
	}
}
