package domain

import "maps"

// NodeType tags a component graph node. The set is closed; renderers and the
// stream encoder treat anything outside it as an ErrorCard.
type NodeType string

const (
	NodeTextBlock         NodeType = "TextBlock"
	NodeAggregatedCard    NodeType = "AggregatedCard"
	NodeDataTable         NodeType = "DataTable"
	NodeEditorCard        NodeType = "EditorCard"
	NodeActionGroup       NodeType = "ActionGroup"
	NodeConfirmationCard  NodeType = "ConfirmationCard"
	NodeClarificationCard NodeType = "ClarificationCard"
	NodeContextCard       NodeType = "ContextCard"
	NodeSkeletonCard      NodeType = "SkeletonCard"
	NodeErrorCard         NodeType = "ErrorCard"
)

// BuiltinNodeTypes is the default chunk taxonomy.
var BuiltinNodeTypes = []NodeType{
	NodeTextBlock,
	NodeAggregatedCard,
	NodeDataTable,
	NodeEditorCard,
	NodeActionGroup,
	NodeConfirmationCard,
	NodeClarificationCard,
	NodeContextCard,
	NodeSkeletonCard,
	NodeErrorCard,
}

// Node is one unit of the component graph.
// Children is maintained by the graph; callers never set it on Insert.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Parent   string         `json:"parent,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
	Children []string       `json:"children,omitempty"`
}

// Clone returns a copy that shares no slices or maps with n.
// Props values are copied one level deep.
func (n Node) Clone() Node {
	out := n
	out.Props = maps.Clone(n.Props)
	if n.Children != nil {
		out.Children = append([]string(nil), n.Children...)
	}
	return out
}

// Well-known property keys.
const (
	PropTitle    = "title"
	PropText     = "text"
	PropData     = "data"
	PropSource   = "source"
	PropMessage  = "message"
	PropRetry    = "retry"
	PropStepID   = "step_id"
	PropFallback = "fallback"
	PropCached   = "cached"
	PropPlanID   = "plan_id"
	PropRisk     = "risk"
	PropSteps    = "steps"
	PropOptions  = "options"
	PropPrompt   = "prompt"
	PropStatus   = "status"
	PropTerminal = "terminal"
)
