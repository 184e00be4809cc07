package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, typ domain.NodeType) domain.Node {
	return domain.Node{ID: id, Type: typ, Props: map[string]any{"id": id}}
}

func ids(nodes []domain.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestInsertOrderingAndErrors(t *testing.T) {
	g := New()

	_, err := g.Apply(domain.Append("", node("root", domain.NodeAggregatedCard)))
	require.NoError(t, err)
	_, err = g.Apply(domain.Append("root", node("b", domain.NodeDataTable)))
	require.NoError(t, err)
	res, err := g.Apply(domain.Insert("root", 0, node("a", domain.NodeTextBlock)))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Version)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, 0, res.Ops[0].Index)
	assert.Equal(t, domain.NodeTextBlock, res.Ops[0].NodeType)

	assert.Equal(t, []string{"root", "a", "b"}, ids(g.Snapshot()))

	_, err = g.Apply(domain.Append("", node("a", domain.NodeTextBlock)))
	assert.ErrorIs(t, err, domain.ErrDuplicateNode)

	_, err = g.Apply(domain.Append("ghost", node("c", domain.NodeTextBlock)))
	assert.ErrorIs(t, err, domain.ErrParentNotFound)
	var se *domain.GraphStructuralError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "c", se.NodeID)

	withChildren := node("d", domain.NodeTextBlock)
	withChildren.Children = []string{"x"}
	_, err = g.Apply(domain.Append("", withChildren))
	assert.ErrorIs(t, err, domain.ErrInvalidNode)

	assert.Equal(t, uint64(3), g.Version(), "failed operations do not bump the version")
}

func TestUpdateReplacesProps(t *testing.T) {
	g := New()
	n := node("n", domain.NodeDataTable)
	n.Props["rows"] = 3
	_, err := g.Apply(domain.Append("", n))
	require.NoError(t, err)

	_, err = g.Apply(domain.Update("n", map[string]any{"title": "t"}))
	require.NoError(t, err)

	got, ok := g.Node("n")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"title": "t"}, got.Props)

	_, err = g.Apply(domain.Update("missing", nil))
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestRemoveCascadesPostOrder(t *testing.T) {
	g := New()
	_, err := g.ApplyAll(
		domain.Append("", node("r", domain.NodeAggregatedCard)),
		domain.Append("r", node("a", domain.NodeAggregatedCard)),
		domain.Append("a", node("a1", domain.NodeTextBlock)),
		domain.Append("a", node("a2", domain.NodeTextBlock)),
		domain.Append("r", node("b", domain.NodeTextBlock)),
	)
	require.NoError(t, err)

	res, err := g.Apply(domain.Remove("a"))
	require.NoError(t, err)

	var removed []string
	for _, op := range res.Ops {
		assert.Equal(t, domain.OpRemove, op.Kind)
		removed = append(removed, op.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "a"}, removed)
	assert.Equal(t, []string{"r", "b"}, ids(g.Snapshot()))

	parent, _ := g.Node("r")
	assert.Equal(t, []string{"b"}, parent.Children)

	_, err = g.Apply(domain.Remove("a"))
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestDiffRespectsRetention(t *testing.T) {
	g := New(WithRetention(2))
	for i := range 4 {
		_, err := g.Apply(domain.Append("", node(fmt.Sprint(i), domain.NodeTextBlock)))
		require.NoError(t, err)
	}

	_, err := g.Diff(1)
	assert.ErrorIs(t, err, domain.ErrVersionTooOld)

	ops, err := g.Diff(2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	ops, err = g.Diff(4)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSnapshotIsACopy(t *testing.T) {
	g := New()
	_, err := g.Apply(domain.Append("", node("n", domain.NodeTextBlock)))
	require.NoError(t, err)

	snap := g.Snapshot()
	snap[0].Props["id"] = "changed"

	got, _ := g.Node("n")
	assert.Equal(t, "n", got.Props["id"])
}

// randomOps drives the graph with a mix of valid and invalid operations.
func randomOps(r *rand.Rand, g *Graph, n int) {
	next := 0
	for range n {
		existing := ids(g.Snapshot())
		pick := func() string {
			if len(existing) == 0 || r.Intn(10) == 0 {
				return fmt.Sprintf("ghost-%d", r.Intn(3))
			}
			return existing[r.Intn(len(existing))]
		}
		switch r.Intn(4) {
		case 0, 1:
			parent := ""
			if r.Intn(3) > 0 {
				parent = pick()
			}
			next++
			_, _ = g.Apply(domain.Insert(parent, r.Intn(4)-1, node(fmt.Sprintf("n%d", next), domain.NodeTextBlock)))
		case 2:
			_, _ = g.Apply(domain.Update(pick(), map[string]any{"v": r.Int()}))
		case 3:
			_, _ = g.Apply(domain.Remove(pick()))
		}
	}
}

func TestParentsAlwaysExist(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		g := New()
		randomOps(rand.New(rand.NewSource(seed)), g, 200)

		for _, n := range g.Snapshot() {
			if n.Parent != "" {
				assert.True(t, g.Has(n.Parent), "seed %d: %s has dangling parent %s", seed, n.ID, n.Parent)
			}
			for _, c := range n.Children {
				assert.True(t, g.Has(c), "seed %d: %s has dangling child %s", seed, n.ID, c)
			}
		}
		assert.Len(t, g.Snapshot(), g.Len(), "every node reachable from a root")
	}
}

func TestRemoveDeletesExactlyDescendants(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		g := New()
		randomOps(r, g, 150)
		all := ids(g.Snapshot())
		if len(all) == 0 {
			continue
		}
		target := all[r.Intn(len(all))]
		expected := append(g.Descendants(target), target)

		res, err := g.Apply(domain.Remove(target))
		require.NoError(t, err)

		var removed []string
		for _, op := range res.Ops {
			removed = append(removed, op.ID)
		}
		assert.Equal(t, expected, removed)

		for _, id := range all {
			assert.Equal(t, !slices.Contains(expected, id), g.Has(id), "seed %d node %s", seed, id)
		}
	}
}

func TestDiffReplayRoundTrip(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		r := rand.New(rand.NewSource(seed))
		g := New()
		randomOps(r, g, 80)

		since := g.Version()
		replica, err := Restore(g.Snapshot(), since)
		require.NoError(t, err)

		randomOps(r, g, 80)

		ops, err := g.Diff(since)
		require.NoError(t, err)
		require.NoError(t, replica.Replay(ops, g.Version()))

		assert.Equal(t, g.Snapshot(), replica.Snapshot(), "seed %d", seed)
		assert.Equal(t, g.Version(), replica.Version(), "seed %d", seed)
	}
}

func TestReplay_AdoptsSourceVersion(t *testing.T) {
	g := New()
	_, err := g.ApplyAll(
		domain.Append("", domain.Node{ID: "root", Type: domain.NodeAggregatedCard}),
		domain.Append("root", domain.Node{ID: "a", Type: domain.NodeTextBlock}),
		domain.Append("root", domain.Node{ID: "b", Type: domain.NodeTextBlock}),
	)
	require.NoError(t, err)
	replica, err := Restore(g.Snapshot(), g.Version())
	require.NoError(t, err)
	since := g.Version()

	_, err = g.Apply(domain.Remove("root"))
	require.NoError(t, err)
	ops, err := g.Diff(since)
	require.NoError(t, err)
	require.Len(t, ops, 3, "one effective Remove per node")

	require.NoError(t, replica.Replay(ops, g.Version()))
	assert.Equal(t, g.Version(), replica.Version())
	assert.Zero(t, replica.Len())

	_, err = replica.Diff(since)
	assert.ErrorIs(t, err, domain.ErrVersionTooOld, "the replica log starts at the adopted version")

	local := New()
	require.NoError(t, local.Replay([]domain.GraphOperation{
		domain.Append("", domain.Node{ID: "x", Type: domain.NodeTextBlock}),
	}, 0))
	assert.Equal(t, uint64(1), local.Version(), "zero keeps the local count")
}
