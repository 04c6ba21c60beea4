package monitor

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-monitor/internal/model"
)

// Registry holds the configured API descriptors by name.
type Registry struct {
	apis  map[string]model.APIDescriptor
	order []string // insertion order for deterministic iteration
}

// NewRegistry validates and registers descs in order.
func NewRegistry(descs ...model.APIDescriptor) (*Registry, error) {
	r := &Registry{apis: make(map[string]model.APIDescriptor)}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Names must be unique.
func (r *Registry) Register(d model.APIDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, dup := r.apis[d.Name]; dup {
		return eris.Errorf("monitor: duplicate api %q", d.Name)
	}
	r.apis[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (model.APIDescriptor, error) {
	d, ok := r.apis[name]
	if !ok {
		return model.APIDescriptor{}, eris.Wrapf(ErrUnknownAPI, "%q", name)
	}
	return d, nil
}

// Select returns the named descriptors, or all of them when names is empty.
func (r *Registry) Select(names []string) ([]model.APIDescriptor, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	out := make([]model.APIDescriptor, 0, len(names))
	for _, n := range names {
		d, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// All returns every descriptor in registration order.
func (r *Registry) All() []model.APIDescriptor {
	out := make([]model.APIDescriptor, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.apis[n])
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of descriptors.
func (r *Registry) Len() int { return len(r.order) }
