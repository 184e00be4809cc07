package tests

import (
	"context"
	"testing"

	"github.com/aretw0/tessera/pkg/ports"
)

// CatalogLoaderContractTest is a reusable test suite that verifies if an adapter complies with ports.CatalogLoader.
// want maps each expected capability name to its risk tier.
func CatalogLoaderContractTest(t *testing.T, loader ports.CatalogLoader, want map[string]string) {
	t.Helper()
	ctx := context.Background()

	// 1. Every declared capability is listed once
	t.Run("Specs_Complete", func(t *testing.T) {
		specs, err := loader.Specs(ctx)
		if err != nil {
			t.Fatalf("unexpected error listing specs: %v", err)
		}
		if len(specs) != len(want) {
			t.Fatalf("expected %d specs, got %d", len(want), len(specs))
		}
		seen := make(map[string]bool, len(specs))
		for _, s := range specs {
			risk, ok := want[s.Name]
			if !ok {
				t.Errorf("unexpected capability %q", s.Name)
				continue
			}
			if seen[s.Name] {
				t.Errorf("capability %q listed twice", s.Name)
			}
			seen[s.Name] = true
			if s.Risk != risk {
				t.Errorf("risk mismatch for %s. got %q, want %q", s.Name, s.Risk, risk)
			}
		}
	})

	// 2. Callers own the returned slice
	t.Run("Specs_Isolated", func(t *testing.T) {
		first, err := loader.Specs(ctx)
		if err != nil || len(first) == 0 {
			t.Skip("nothing to mutate")
		}
		first[0].Name = "mutated"
		second, err := loader.Specs(ctx)
		if err != nil {
			t.Fatalf("unexpected error listing specs: %v", err)
		}
		for _, s := range second {
			if s.Name == "mutated" {
				t.Error("mutating a result leaked into the loader")
			}
		}
	})
}
