package memory

import (
	"context"
	"slices"

	"github.com/aretw0/tessera/pkg/registry"
)

// Catalog implements ports.CatalogLoader over a fixed list of declarations.
type Catalog struct {
	specs []registry.CapabilitySpec
}

func NewCatalog(specs ...registry.CapabilitySpec) *Catalog {
	return &Catalog{specs: slices.Clone(specs)}
}

func (c *Catalog) Specs(context.Context) ([]registry.CapabilitySpec, error) {
	return slices.Clone(c.specs), nil
}
