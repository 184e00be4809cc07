// Package graph implements the component graph: an adjacency-list store of UI
// nodes mutated only through domain.GraphOperation values.
//
// Every successful Apply bumps a monotonic version and appends the effective
// operations to a bounded log, so a renderer that fell behind can ask for
// Diff(since) and replay it onto its copy. The graph deliberately offers no
// lookup by node type and no reparenting; cycles cannot be expressed.
package graph
