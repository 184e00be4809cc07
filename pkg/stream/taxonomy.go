package stream

import (
	"slices"
	"sync"

	"github.com/aretw0/tessera/pkg/domain"
)

// Taxonomy is the closed set of chunk types a stream may carry. It starts
// with the built-in types and grows only through Register.
type Taxonomy struct {
	mu    sync.RWMutex
	types map[domain.NodeType]struct{}
}

func NewTaxonomy(extra ...domain.NodeType) *Taxonomy {
	t := &Taxonomy{types: make(map[domain.NodeType]struct{})}
	for _, typ := range domain.BuiltinNodeTypes {
		t.types[typ] = struct{}{}
	}
	for _, typ := range extra {
		t.Register(typ)
	}
	return t
}

// Register adds a chunk type. Empty names are ignored.
func (t *Taxonomy) Register(typ domain.NodeType) {
	if typ == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.types[typ] = struct{}{}
}

func (t *Taxonomy) Known(typ domain.NodeType) bool {
	if t == nil {
		return slices.Contains(domain.BuiltinNodeTypes, typ)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.types[typ]
	return ok
}

// Types returns the registered types, sorted.
func (t *Taxonomy) Types() []domain.NodeType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.NodeType, 0, len(t.types))
	for typ := range t.types {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}
