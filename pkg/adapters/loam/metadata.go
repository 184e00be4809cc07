package loam

// CapabilityMetadata is the frontmatter of a capability document. The
// markdown body doubles as the description when none is declared.
type CapabilityMetadata struct {
	Name        string   `json:"name" mapstructure:"name"`
	Description string   `json:"description" mapstructure:"description"`
	Tags        []string `json:"tags" mapstructure:"tags"`
	Risk        string   `json:"risk" mapstructure:"risk"`
	Deadline    string   `json:"deadline,omitempty" mapstructure:"deadline"`
	Idempotent  bool     `json:"idempotent" mapstructure:"idempotent"`
	Renders     string   `json:"renders,omitempty" mapstructure:"renders"`
	Fallback    any      `json:"fallback,omitempty" mapstructure:"fallback"`

	// Inputs maps field names to type names. A single element list is
	// shorthand for a slice: `tags: [string]`.
	Inputs map[string]any `json:"inputs" mapstructure:"inputs"`
}
