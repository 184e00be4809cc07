package graph

import (
	"maps"
	"slices"

	"github.com/aretw0/tessera/pkg/domain"
)

// DefaultRetention is the number of versions kept in the operation log.
const DefaultRetention = 1024

type entry struct {
	version uint64
	ops     []domain.GraphOperation
}

// Graph is not safe for concurrent use; a session owns exactly one and
// serializes access to it.
type Graph struct {
	nodes     map[string]*domain.Node
	roots     []string
	version   uint64
	log       []entry
	retention int
	// floor is the oldest version Diff can start from.
	floor uint64
}

// Option configures a Graph.
type Option func(*Graph)

// WithRetention bounds the operation log to n versions.
func WithRetention(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.retention = n
		}
	}
}

// New returns an empty graph at version zero.
func New(opts ...Option) *Graph {
	g := &Graph{
		nodes:     make(map[string]*domain.Node),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Result describes an applied operation.
type Result struct {
	Version uint64
	// Ops are the effective operations, e.g. one Remove per deleted node.
	Ops []domain.GraphOperation
}

func (g *Graph) Version() uint64 { return g.version }

func (g *Graph) Len() int { return len(g.nodes) }

// Has reports whether id is present.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Apply validates and applies op. On error the graph is left untouched.
func (g *Graph) Apply(op domain.GraphOperation) (Result, error) {
	var (
		ops []domain.GraphOperation
		err error
	)
	switch op.Kind {
	case domain.OpInsert:
		ops, err = g.insert(op)
	case domain.OpUpdate:
		ops, err = g.update(op)
	case domain.OpRemove:
		ops, err = g.remove(op)
	default:
		err = &domain.GraphStructuralError{Op: op.Kind, NodeID: op.ID, Err: domain.ErrInvalidNode}
	}
	if err != nil {
		return Result{Version: g.version}, err
	}

	g.version++
	g.log = append(g.log, entry{version: g.version, ops: ops})
	if over := len(g.log) - g.retention; over > 0 {
		g.floor = g.log[over-1].version
		g.log = slices.Delete(g.log, 0, over)
	}
	return Result{Version: g.version, Ops: cloneOps(ops)}, nil
}

// ApplyAll applies ops in order and stops at the first failure, returning the
// effective operations applied so far.
func (g *Graph) ApplyAll(ops ...domain.GraphOperation) ([]domain.GraphOperation, error) {
	var out []domain.GraphOperation
	for _, op := range ops {
		res, err := g.Apply(op)
		if err != nil {
			return out, err
		}
		out = append(out, res.Ops...)
	}
	return out, nil
}

func (g *Graph) insert(op domain.GraphOperation) ([]domain.GraphOperation, error) {
	if op.Node == nil || op.Node.ID == "" || len(op.Node.Children) > 0 {
		return nil, &domain.GraphStructuralError{Op: op.Kind, NodeID: op.ID, Err: domain.ErrInvalidNode}
	}
	id := op.Node.ID
	if _, exists := g.nodes[id]; exists {
		return nil, &domain.GraphStructuralError{Op: op.Kind, NodeID: id, Err: domain.ErrDuplicateNode}
	}

	var siblings *[]string
	if op.Parent == "" {
		siblings = &g.roots
	} else {
		parent, ok := g.nodes[op.Parent]
		if !ok {
			return nil, &domain.GraphStructuralError{Op: op.Kind, NodeID: id, Err: domain.ErrParentNotFound}
		}
		siblings = &parent.Children
	}

	index := op.Index
	if index < 0 || index > len(*siblings) {
		index = len(*siblings)
	}
	*siblings = slices.Insert(*siblings, index, id)

	n := op.Node.Clone()
	n.Parent = op.Parent
	n.Children = nil
	g.nodes[id] = &n

	eff := domain.GraphOperation{
		Kind:     domain.OpInsert,
		ID:       id,
		Parent:   op.Parent,
		Index:    index,
		Node:     &n,
		NodeType: n.Type,
	}
	return []domain.GraphOperation{cloneOp(eff)}, nil
}

func (g *Graph) update(op domain.GraphOperation) ([]domain.GraphOperation, error) {
	n, ok := g.nodes[op.ID]
	if !ok {
		return nil, &domain.GraphStructuralError{Op: op.Kind, NodeID: op.ID, Err: domain.ErrNodeNotFound}
	}
	n.Props = maps.Clone(op.Props)
	return []domain.GraphOperation{{
		Kind:     domain.OpUpdate,
		ID:       op.ID,
		Props:    maps.Clone(op.Props),
		NodeType: n.Type,
	}}, nil
}

func (g *Graph) remove(op domain.GraphOperation) ([]domain.GraphOperation, error) {
	target, ok := g.nodes[op.ID]
	if !ok {
		return nil, &domain.GraphStructuralError{Op: op.Kind, NodeID: op.ID, Err: domain.ErrNodeNotFound}
	}

	var order []*domain.Node
	var walk func(n *domain.Node)
	walk = func(n *domain.Node) {
		for _, c := range n.Children {
			walk(g.nodes[c])
		}
		order = append(order, n)
	}
	walk(target)

	if target.Parent == "" {
		g.roots = without(g.roots, target.ID)
	} else if parent, ok := g.nodes[target.Parent]; ok {
		parent.Children = without(parent.Children, target.ID)
	}

	ops := make([]domain.GraphOperation, 0, len(order))
	for _, n := range order {
		delete(g.nodes, n.ID)
		ops = append(ops, domain.GraphOperation{Kind: domain.OpRemove, ID: n.ID, NodeType: n.Type})
	}
	return ops, nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (domain.Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return domain.Node{}, false
	}
	return n.Clone(), true
}

// Descendants returns the ids under id in post-order, excluding id.
func (g *Graph) Descendants(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	var out []string
	var walk func(n *domain.Node)
	walk = func(n *domain.Node) {
		for _, c := range n.Children {
			child := g.nodes[c]
			walk(child)
			out = append(out, child.ID)
		}
	}
	walk(n)
	return out
}

// Snapshot returns copies of all nodes in pre-order, roots in order.
func (g *Graph) Snapshot() []domain.Node {
	out := make([]domain.Node, 0, len(g.nodes))
	var walk func(id string)
	walk = func(id string) {
		n := g.nodes[id]
		out = append(out, n.Clone())
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range g.roots {
		walk(r)
	}
	return out
}

// Diff returns the effective operations applied after version since, in order.
// It fails with ErrVersionTooOld when the log no longer reaches back that far.
func (g *Graph) Diff(since uint64) ([]domain.GraphOperation, error) {
	if since > g.version {
		return nil, nil
	}
	if since < g.floor {
		return nil, domain.ErrVersionTooOld
	}
	var out []domain.GraphOperation
	for _, e := range g.log {
		if e.version > since {
			out = append(out, cloneOps(e.ops)...)
		}
	}
	return out, nil
}

// Restore builds a graph from a pre-order snapshot taken at version.
// The log starts empty, so Diff only reaches back to version.
func Restore(nodes []domain.Node, version uint64, opts ...Option) (*Graph, error) {
	g := New(opts...)
	for _, n := range nodes {
		bare := n.Clone()
		bare.Children = nil
		if _, err := g.insert(domain.Insert(n.Parent, -1, bare)); err != nil {
			return nil, err
		}
	}
	g.version = version
	g.floor = version
	return g, nil
}

// Replay applies effective operations, as returned by Diff, onto g.
// A cascaded Remove arrives as one operation per node, so the local count
// runs ahead of the source; when version is non-zero g adopts it and, as
// after Restore, Diff only reaches back to it.
func (g *Graph) Replay(ops []domain.GraphOperation, version uint64) error {
	for _, op := range ops {
		if op.Kind == domain.OpRemove && !g.Has(op.ID) {
			// Cascades already removed descendants through their ancestor.
			continue
		}
		if _, err := g.Apply(op); err != nil {
			return err
		}
	}
	if version > 0 {
		g.version = version
		g.floor = version
		g.log = nil
	}
	return nil
}

func without(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}

func cloneOp(op domain.GraphOperation) domain.GraphOperation {
	if op.Node != nil {
		n := op.Node.Clone()
		op.Node = &n
	}
	op.Props = maps.Clone(op.Props)
	return op
}

func cloneOps(ops []domain.GraphOperation) []domain.GraphOperation {
	out := make([]domain.GraphOperation, len(ops))
	for i, op := range ops {
		out[i] = cloneOp(op)
	}
	return out
}
