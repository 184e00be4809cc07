package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
)

// DefaultDeadline applies to capabilities registered without one when the
// registry is built WithDefaultDeadline; otherwise a deadline is mandatory.
const DefaultDeadline = 5 * time.Second

// Registry holds the capabilities known to the runtime. It is written during
// startup only; Seal freezes it, after which reads take no lock.
type Registry struct {
	mu       sync.RWMutex
	caps     map[string]domain.Capability
	order    []string
	sealed   atomic.Bool
	deadline time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultDeadline fills in d for capabilities registered without a deadline.
func WithDefaultDeadline(d time.Duration) Option {
	return func(r *Registry) { r.deadline = d }
}

func New(opts ...Option) *Registry {
	r := &Registry{caps: make(map[string]domain.Capability)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a capability. Names are unique and the risk tier is fixed
// from here on.
func (r *Registry) Register(c domain.Capability) error {
	if r.sealed.Load() {
		return fmt.Errorf("register %q: %w", c.Name, domain.ErrRegistrySealed)
	}
	if c.Deadline == 0 {
		c.Deadline = r.deadline
	}
	if err := validate(c); err != nil {
		return err
	}
	if c.Renders == "" {
		c.Renders = domain.NodeDataTable
	}
	c.Tags = slices.Clone(c.Tags)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("%q: %w", c.Name, domain.ErrDuplicateCapability)
	}
	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

func validate(c domain.Capability) error {
	invalid := func(reason string) error {
		return fmt.Errorf("%w %q: %s", domain.ErrInvalidCapability, c.Name, reason)
	}
	switch {
	case c.Name == "" || c.Name == domain.ClarifyStep:
		return invalid("reserved or empty name")
	case !c.Risk.Valid():
		return invalid(fmt.Sprintf("unknown risk tier %q", c.Risk))
	case c.Deadline <= 0:
		return invalid("deadline must be positive")
	case c.Handler == nil:
		return invalid("missing handler")
	}
	return nil
}

// MustRegister panics on error; meant for static wiring.
func (r *Registry) MustRegister(c domain.Capability) {
	if err := r.Register(c); err != nil {
		panic(err)
	}
}

// Seal validates cross references and freezes the registry.
func (r *Registry) Seal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return nil
	}
	for _, name := range r.order {
		for _, ref := range r.caps[name].Input.Refs() {
			if _, ok := r.caps[ref]; !ok {
				return fmt.Errorf("%q references %q: %w", name, ref, domain.ErrUnknownCapability)
			}
		}
	}
	if _, err := r.depths(r.order); err != nil {
		return err
	}
	r.sealed.Store(true)
	return nil
}

func (r *Registry) Sealed() bool { return r.sealed.Load() }

func (r *Registry) rlock() func() {
	if r.sealed.Load() {
		return func() {}
	}
	r.mu.RLock()
	return r.mu.RUnlock
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (domain.Capability, bool) {
	defer r.rlock()()
	c, ok := r.caps[name]
	return c, ok
}

// List returns capabilities in registration order.
func (r *Registry) List() []domain.Capability {
	defer r.rlock()()
	out := make([]domain.Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name])
	}
	return out
}

// Match returns the names of capabilities whose name or a declared tag
// equals tag exactly, in registration order.
func (r *Registry) Match(tag string) []string {
	defer r.rlock()()
	var out []string
	for _, name := range r.order {
		c := r.caps[name]
		if c.Name == tag || slices.Contains(c.Tags, tag) {
			out = append(out, name)
		}
	}
	return out
}

// depths computes the longest dependency path of each name, following refs
// that are part of the set. Callers hold the lock.
func (r *Registry) depths(set []string) (map[string]int, error) {
	in := make(map[string]bool, len(set))
	for _, n := range set {
		in[n] = true
	}
	const (
		visiting = -1
	)
	depth := make(map[string]int, len(set))
	seen := make(map[string]bool, len(set))
	var visit func(name string, path []string) (int, error)
	visit = func(name string, path []string) (int, error) {
		if seen[name] {
			if depth[name] == visiting {
				return 0, fmt.Errorf("%w: %v", domain.ErrDependencyCycle, append(path, name))
			}
			return depth[name], nil
		}
		seen[name] = true
		depth[name] = visiting
		d := 0
		for _, ref := range r.caps[name].Input.Refs() {
			if !in[ref] {
				continue
			}
			rd, err := visit(ref, append(path, name))
			if err != nil {
				return 0, err
			}
			d = max(d, rd+1)
		}
		depth[name] = d
		return d, nil
	}
	for _, n := range set {
		if _, err := visit(n, nil); err != nil {
			return nil, err
		}
	}
	return depth, nil
}
