package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/schema"
	"gopkg.in/yaml.v3"
)

// CapabilitySpec is the declarative form of a capability, as found in
// capabilities.yaml or in catalog frontmatter. The handler is bound separately.
type CapabilitySpec struct {
	Name        string            `yaml:"name" json:"name" mapstructure:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty" mapstructure:"description"`
	Tags        []string          `yaml:"tags,omitempty" json:"tags,omitempty" mapstructure:"tags"`
	Risk        string            `yaml:"risk" json:"risk" mapstructure:"risk"`
	Deadline    string            `yaml:"deadline,omitempty" json:"deadline,omitempty" mapstructure:"deadline"`
	Inputs      map[string]string `yaml:"inputs,omitempty" json:"inputs,omitempty" mapstructure:"inputs"`
	Idempotent  bool              `yaml:"idempotent,omitempty" json:"idempotent,omitempty" mapstructure:"idempotent"`
	Renders     string            `yaml:"renders,omitempty" json:"renders,omitempty" mapstructure:"renders"`
	Fallback    any               `yaml:"fallback,omitempty" json:"fallback,omitempty" mapstructure:"fallback"`
}

// Capability binds h to the declaration.
func (s CapabilitySpec) Capability(h domain.CapabilityHandler) (domain.Capability, error) {
	in, err := schema.ParseTypeMap(s.Inputs)
	if err != nil {
		return domain.Capability{}, fmt.Errorf("capability %q inputs: %w", s.Name, err)
	}
	var deadline time.Duration
	if s.Deadline != "" {
		deadline, err = time.ParseDuration(s.Deadline)
		if err != nil {
			return domain.Capability{}, fmt.Errorf("capability %q deadline: %w", s.Name, err)
		}
	}
	return domain.Capability{
		Name:        s.Name,
		Description: s.Description,
		Tags:        s.Tags,
		Risk:        domain.RiskTier(s.Risk),
		Deadline:    deadline,
		Input:       in,
		Idempotent:  s.Idempotent,
		Renders:     domain.NodeType(s.Renders),
		Fallback:    s.Fallback,
		Handler:     h,
	}, nil
}

// Manifest is a list of capability specs.
type Manifest struct {
	Capabilities []CapabilitySpec `yaml:"capabilities"`
}

// ParseManifest decodes YAML manifest data.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// LoadManifest reads a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// HandlerResolver supplies the implementation of a declared capability.
type HandlerResolver func(spec CapabilitySpec) (domain.CapabilityHandler, error)

// HandlerMap resolves handlers by capability name.
func HandlerMap(handlers map[string]domain.CapabilityHandler) HandlerResolver {
	return func(spec CapabilitySpec) (domain.CapabilityHandler, error) {
		h, ok := handlers[spec.Name]
		if !ok {
			return nil, fmt.Errorf("no handler for %q: %w", spec.Name, domain.ErrUnknownCapability)
		}
		return h, nil
	}
}

// RegisterSpecs binds and registers every spec, stopping at the first error.
func (r *Registry) RegisterSpecs(specs []CapabilitySpec, resolve HandlerResolver) error {
	for _, spec := range specs {
		h, err := resolve(spec)
		if err != nil {
			return err
		}
		c, err := spec.Capability(h)
		if err != nil {
			return err
		}
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
