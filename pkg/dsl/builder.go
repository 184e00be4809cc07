package dsl

import (
	"errors"
	"fmt"

	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/registry"
)

// Builder manages the catalog construction.
type Builder struct {
	order []string
	caps  map[string]*CapabilityBuilder
}

// New creates a new catalog builder.
func New() *Builder {
	return &Builder{
		caps: make(map[string]*CapabilityBuilder),
	}
}

// Add declares a capability.
// If the capability already exists, it returns the existing builder.
func (b *Builder) Add(name string) *CapabilityBuilder {
	if cb, ok := b.caps[name]; ok {
		return cb
	}
	cb := &CapabilityBuilder{
		spec: registry.CapabilitySpec{
			Name: name,
			Risk: string(domain.RiskLow),
		},
		builder: b,
	}
	b.caps[name] = cb
	b.order = append(b.order, name)
	return cb
}

// Specs returns the declarations in the order they were added.
func (b *Builder) Specs() []registry.CapabilitySpec {
	specs := make([]registry.CapabilitySpec, 0, len(b.order))
	for _, name := range b.order {
		specs = append(specs, b.caps[name].spec)
	}
	return specs
}

// Catalog exposes the declarations as a ports.CatalogLoader, without handlers.
func (b *Builder) Catalog() *memory.Catalog {
	return memory.NewCatalog(b.Specs()...)
}

// Build registers every capability into a new registry. All errors are
// reported, not just the first one.
func (b *Builder) Build(opts ...registry.Option) (*registry.Registry, error) {
	reg := registry.New(opts...)
	if err := b.Into(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Into registers every capability into an existing registry.
func (b *Builder) Into(reg *registry.Registry) error {
	var errs []error
	for _, name := range b.order {
		c, err := b.caps[name].Build()
		if err == nil {
			err = reg.Register(c)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to build catalog: %w", err)
	}
	return nil
}
