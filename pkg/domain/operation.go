package domain

// OpKind discriminates graph operations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpRemove OpKind = "remove"
)

// GraphOperation is the only way to mutate a component graph.
//
// Insert uses Parent, Index and Node; Update uses ID and Props; Remove uses ID.
// NodeType is filled by the graph on effective operations so that encoders
// never have to look the node up.
type GraphOperation struct {
	Kind     OpKind         `json:"op"`
	ID       string         `json:"id"`
	Parent   string         `json:"parent,omitempty"`
	Index    int            `json:"index,omitempty"`
	Node     *Node          `json:"node,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	NodeType NodeType       `json:"node_type,omitempty"`
}

// Insert places node under parent at index. An empty parent inserts a root.
// A negative or out-of-range index appends.
func Insert(parent string, index int, node Node) GraphOperation {
	n := node.Clone()
	return GraphOperation{Kind: OpInsert, ID: n.ID, Parent: parent, Index: index, Node: &n, NodeType: n.Type}
}

// Append inserts node as the last child of parent.
func Append(parent string, node Node) GraphOperation {
	return Insert(parent, -1, node)
}

// Update replaces the property bag of id wholesale.
func Update(id string, props map[string]any) GraphOperation {
	return GraphOperation{Kind: OpUpdate, ID: id, Props: props}
}

// Remove deletes id and its descendants.
func Remove(id string) GraphOperation {
	return GraphOperation{Kind: OpRemove, ID: id}
}
