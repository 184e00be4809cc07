package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
)

// Mask replaces every masked value.
const Mask = "***"

type piiMiddleware struct {
	next     ports.SnapshotStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware masks, before saving, the values of every key matching
// one of the patterns. Session context, cached outputs and node props are
// scanned recursively. Masking is one-way: loads return the masked data.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %q: %w", p, err)
		}
		patterns[i] = re
	}
	return func(next ports.SnapshotStore) ports.SnapshotStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) Save(ctx context.Context, snap *domain.SessionSnapshot) error {
	// The caller's snapshot is shared with the live session; mask a copy.
	cloned := *snap
	cloned.Machine.Context = m.mask(snap.Machine.Context)
	cloned.LastGood = m.mask(snap.LastGood)
	cloned.Nodes = make([]domain.Node, len(snap.Nodes))
	for i, n := range snap.Nodes {
		n.Props = m.mask(n.Props)
		cloned.Nodes[i] = n
	}
	return m.next.Save(ctx, &cloned)
}

func (m *piiMiddleware) Load(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error) {
	return m.next.Load(ctx, sessionID)
}

func (m *piiMiddleware) Delete(ctx context.Context, sessionID string) error {
	return m.next.Delete(ctx, sessionID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *piiMiddleware) mask(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		if m.sensitive(k) {
			out[k] = Mask
			continue
		}
		out[k] = m.maskValue(v)
	}
	return out
}

func (m *piiMiddleware) maskValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return m.mask(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = m.maskValue(item)
		}
		return out
	default:
		return v
	}
}

func (m *piiMiddleware) sensitive(key string) bool {
	for _, p := range m.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}
