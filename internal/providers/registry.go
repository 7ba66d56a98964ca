package providers

import (
	"fmt"
	"sort"
)

// Factory builds a driver on demand.
type Factory func() (Driver, error)

type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

func (r *Registry) Get(kind string) (Driver, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("provider not registered: %s", kind)
	}
	d, err := f()
	if err != nil {
		return nil, fmt.Errorf("init provider %s: %w", kind, err)
	}
	return d, nil
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
