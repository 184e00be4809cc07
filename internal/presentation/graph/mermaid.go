package graph

import (
	"fmt"
	"strings"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/statemachine"
)

// GraphOverlay contains dynamic state data to visualize on the graph.
type GraphOverlay struct {
	// Changed lists the nodes touched by the latest request.
	Changed []string
	// Focus is the node the user is expected to act on (an open gate).
	Focus string
}

// GenerateMermaid produces a Mermaid flowchart of a component graph snapshot.
// Shapes follow the node type:
// - AggregatedCard: [[Subroutine]]
// - ConfirmationCard / ClarificationCard: {Rhombus}
// - ErrorCard: >Flag]
// - SkeletonCard: ([Stadium])
// - Default: [Rectangle]
func GenerateMermaid(nodes []domain.Node, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, node := range nodes {
		safeID := sanitizeMermaidID(node.ID)

		opener, closer := "[", "]"
		switch node.Type {
		case domain.NodeAggregatedCard:
			opener, closer = "[[", "]]"
		case domain.NodeConfirmationCard, domain.NodeClarificationCard:
			opener, closer = "{", "}"
		case domain.NodeErrorCard:
			opener, closer = ">", "]"
		case domain.NodeSkeletonCard:
			opener, closer = "([", "])"
		}

		label := node.ID + " <br/> " + string(node.Type)
		if title, ok := node.Props[domain.PropTitle].(string); ok && title != "" {
			label = title + " <br/> " + string(node.Type)
		}
		label = strings.ReplaceAll(label, "\"", "'")
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", safeID, opener, label, closer)

		for _, child := range node.Children {
			fmt.Fprintf(&sb, "    %s --> %s\n", safeID, sanitizeMermaidID(child))
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Force black text (color:#000) for high-contrast on light backgrounds.
		sb.WriteString("    classDef changed fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef focus fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		seen := make(map[string]bool)
		for _, id := range overlay.Changed {
			safeID := sanitizeMermaidID(id)
			if !seen[safeID] && safeID != "" {
				seen[safeID] = true
				fmt.Fprintf(&sb, "    class %s changed;\n", safeID)
			}
		}
		if overlay.Focus != "" {
			fmt.Fprintf(&sb, "    class %s focus;\n", sanitizeMermaidID(overlay.Focus))
		}
	}

	return sb.String()
}

// GenerateStateDiagram renders the workflow transition table as a Mermaid
// state diagram. When history is given, the states it visited are
// highlighted and the last one is marked current.
func GenerateStateDiagram(history []domain.TransitionRecord) string {
	var sb strings.Builder
	sb.WriteString("stateDiagram-v2\n")
	fmt.Fprintf(&sb, "    [*] --> %s\n", domain.StateIdle)
	for _, e := range statemachine.Edges() {
		fmt.Fprintf(&sb, "    %s --> %s: %s\n", e.From, e.To, e.Event)
	}
	if len(history) == 0 {
		return sb.String()
	}

	sb.WriteString("\n    classDef visited fill:#e1f5fe,color:#000\n")
	sb.WriteString("    classDef current fill:#ffeb3b,color:#000\n")
	seen := make(map[domain.WorkflowState]bool)
	current := history[len(history)-1].To
	for _, rec := range history {
		for _, s := range []domain.WorkflowState{rec.From, rec.To} {
			if seen[s] || s == current {
				continue
			}
			seen[s] = true
			fmt.Fprintf(&sb, "    class %s visited\n", s)
		}
	}
	fmt.Fprintf(&sb, "    class %s current\n", current)
	return sb.String()
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
