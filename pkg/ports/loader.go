package ports

import (
	"context"

	"github.com/aretw0/tessera/pkg/registry"
)

// CatalogLoader supplies capability declarations from an external source
// (a directory of markdown files, a manifest, a remote catalog).
// Handlers are bound separately by the host.
type CatalogLoader interface {
	Specs(ctx context.Context) ([]registry.CapabilitySpec, error)
}
