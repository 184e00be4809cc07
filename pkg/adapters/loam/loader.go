package loam

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aretw0/loam"
	"github.com/aretw0/tessera/pkg/registry"
)

// Catalog adapts a Loam repository of capability documents to
// ports.CatalogLoader.
type Catalog struct {
	Repo *loam.TypedRepository[CapabilityMetadata]
}

// New creates a catalog over repo.
func New(repo *loam.TypedRepository[CapabilityMetadata]) *Catalog {
	return &Catalog{Repo: repo}
}

// Open initializes a read-only, strict Loam repository at dir.
func Open(dir string) (*Catalog, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	repo, err := loam.Init(absPath,
		loam.WithStrict(true),
		loam.WithReadOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize loam: %w", err)
	}
	return New(loam.NewTypedRepository[CapabilityMetadata](repo)), nil
}

// Specs returns every capability document, sorted by name.
func (c *Catalog) Specs(ctx context.Context) ([]registry.CapabilitySpec, error) {
	docs, err := c.Repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loam list failed: %w", err)
	}

	seen := make(map[string]string, len(docs))
	specs := make([]registry.CapabilitySpec, 0, len(docs))
	for _, doc := range docs {
		spec, err := toSpec(doc.ID, doc.Data, doc.Content)
		if err != nil {
			return nil, err
		}
		if existing, ok := seen[spec.Name]; ok {
			return nil, fmt.Errorf("collision detected: capability '%s' is defined in both '%s' and '%s'", spec.Name, existing, doc.ID)
		}
		seen[spec.Name] = doc.ID
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs, nil
}

// Get loads a single capability document.
func (c *Catalog) Get(ctx context.Context, id string) (registry.CapabilitySpec, error) {
	doc, err := c.Repo.Get(ctx, id)
	if err != nil {
		return registry.CapabilitySpec{}, fmt.Errorf("loam get failed for %s: %w", id, err)
	}
	return toSpec(doc.ID, doc.Data, doc.Content)
}

// Watch emits the ID of every changed catalog document until ctx ends.
func (c *Catalog) Watch(ctx context.Context) (<-chan string, error) {
	events, err := c.Repo.Watch(ctx, "**/*.{md,json,yaml,yml}")
	if err != nil {
		return nil, fmt.Errorf("failed to start loam watcher: %w", err)
	}

	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				select {
				case ch <- evt.ID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func toSpec(docID string, meta CapabilityMetadata, content string) (registry.CapabilitySpec, error) {
	name := meta.Name
	if name == "" {
		name = trimExtension(docID)
	}
	inputs, err := normalizeInputs(meta.Inputs)
	if err != nil {
		return registry.CapabilitySpec{}, fmt.Errorf("capability %s: %w", name, err)
	}
	desc := meta.Description
	if desc == "" {
		desc = firstParagraph(content)
	}
	return registry.CapabilitySpec{
		Name:        name,
		Description: desc,
		Tags:        meta.Tags,
		Risk:        meta.Risk,
		Deadline:    meta.Deadline,
		Inputs:      inputs,
		Idempotent:  meta.Idempotent,
		Renders:     meta.Renders,
		Fallback:    meta.Fallback,
	}, nil
}

func normalizeInputs(raw map[string]any) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	normalized := make(map[string]string, len(raw))
	for key, value := range raw {
		typeStr, err := formatSchemaType(value)
		if err != nil {
			return nil, fmt.Errorf("inputs.%s: %w", key, err)
		}
		normalized[key] = typeStr
	}
	return normalized, nil
}

func formatSchemaType(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []any:
		if len(v) != 1 {
			return "", fmt.Errorf("expected single element list for slice type")
		}
		inner, err := formatSchemaType(v[0])
		if err != nil {
			return "", err
		}
		return "[" + inner + "]", nil
	case []string:
		if len(v) != 1 {
			return "", fmt.Errorf("expected single element list for slice type")
		}
		return "[" + v[0] + "]", nil
	default:
		return "", fmt.Errorf("expected string or list, got %T", value)
	}
}

func firstParagraph(content string) string {
	for _, block := range strings.Split(strings.TrimSpace(content), "\n\n") {
		line := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(block), "#"))
		if line != "" {
			return strings.Join(strings.Fields(line), " ")
		}
	}
	return ""
}

func trimExtension(id string) string {
	return filepath.ToSlash(strings.TrimSuffix(id, filepath.Ext(id)))
}
